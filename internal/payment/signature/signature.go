// Package signature computes and verifies the HMAC signatures used by the
// payment gateways, and builds the canonical strings each gateway signs.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// Codec signs canonical strings with a keyed hash and returns lower-case hex.
type Codec struct {
	name string
	hash func() hash.Hash
}

func NewHMACSHA256() Codec {
	return Codec{name: "HmacSHA256", hash: sha256.New}
}

func NewHMACSHA512() Codec {
	return Codec{name: "HmacSHA512", hash: sha512.New}
}

// Name is the algorithm label some gateways echo back (vnp_SecureHashType).
func (c Codec) Name() string {
	return c.name
}

func (c Codec) Sign(canonical, secret string) string {
	mac := hmac.New(c.hash, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify fails closed: an empty signature or secret, or a signature that is
// not hex, never verifies.
func (c Codec) Verify(canonical, signature, secret string) bool {
	if c.hash == nil || secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(c.hash, []byte(secret))
	mac.Write([]byte(canonical))
	return hmac.Equal(given, mac.Sum(nil))
}
