package signature

import (
	"net/url"
	"sort"
	"strings"
)

// SortedPairs renders key=value pairs for a fixed key set in alphabetical
// key order, joined by '&'. Keys missing from fields are rendered empty.
// Values are not escaped.
func SortedPairs(fields map[string]string, keys []string) string {
	ordered := append([]string(nil), keys...)
	sort.Strings(ordered)

	var b strings.Builder
	for i, key := range ordered {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(fields[key])
	}
	return b.String()
}

// EncodedQuery renders every non-empty parameter except the excluded ones in
// alphabetical key order, with keys and values query-escaped. Only the first
// value of a repeated key is used.
func EncodedQuery(values url.Values, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		if _, ok := skip[key]; ok {
			continue
		}
		if values.Get(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(values.Get(key)))
	}
	return b.String()
}

// Positional joins fields with '|' in the order given.
func Positional(values ...string) string {
	return strings.Join(values, "|")
}
