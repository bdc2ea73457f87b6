// Package txref generates transaction references shared with the gateways.
package txref

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
)

const datePrefixLayout = "060102"

// MerchantLocation is the gateway merchant time zone. ZaloPay rejects
// app_trans_id values whose date prefix is not the current date in GMT+7.
func MerchantLocation(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.FixedZone("GMT+7", 7*60*60)
}

// Generator produces ids shaped {yyMMdd}_{snowflake}{code}, for example
// 261015_1846402873264087040MM.
type Generator struct {
	node  *snowflake.Node
	clock clock.Clock
	loc   *time.Location
}

func NewGenerator(node *snowflake.Node, clk clock.Clock, loc *time.Location) *Generator {
	if loc == nil {
		loc = MerchantLocation("")
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Generator{node: node, clock: clk, loc: loc}
}

func (g *Generator) New(method domain.Method) (string, error) {
	code := method.Code()
	if code == "" {
		return "", domain.ErrUnsupportedMethod
	}
	date := g.clock.Now().In(g.loc).Format(datePrefixLayout)
	return fmt.Sprintf("%s_%s%s", date, g.node.Generate().String(), code), nil
}

// MethodOf recovers the method from a transaction id suffix.
func MethodOf(transactionID string) (domain.Method, bool) {
	if len(transactionID) < len(datePrefixLayout)+4 || !strings.Contains(transactionID, "_") {
		return "", false
	}
	return domain.MethodForCode(transactionID[len(transactionID)-2:])
}
