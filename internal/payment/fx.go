package payment

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/cash"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/momo"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/vnpay"
	"github.com/smallbiznis/coursepay/internal/payment/adapters/zalopay"
	"github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/ledger"
	"github.com/smallbiznis/coursepay/internal/payment/repository"
	"github.com/smallbiznis/coursepay/internal/payment/settlement"
	"github.com/smallbiznis/coursepay/internal/payment/txref"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(newTransactionRefs),
	fx.Provide(ledger.New),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			momo.NewFactory(),
			zalopay.NewFactory(),
			vnpay.NewFactory(),
			cash.NewFactory(),
		)
	}),
	fx.Provide(func(h *config.GatewayConfigHolder) domain.GatewaySettingsSource { return h }),
	fx.Provide(newCheckoutLimiter),
	fx.Provide(settlement.New),
)

func newTransactionRefs(node *snowflake.Node, clk clock.Clock, cfg config.Config) *txref.Generator {
	return txref.NewGenerator(node, clk, txref.MerchantLocation(cfg.Payment.Timezone))
}

// A nil *ratelimit.CheckoutLimiter must reach settlement as a nil interface.
func newCheckoutLimiter(l *ratelimit.CheckoutLimiter) settlement.CheckoutLimiter {
	if l == nil {
		return nil
	}
	return l
}
