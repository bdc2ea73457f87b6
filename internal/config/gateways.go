package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// gatewayKeys lists the settings read for each provider. Every key can be
// overridden from the environment, e.g. COURSEPAY_GATEWAYS_MOMO_SECRET_KEY.
var gatewayKeys = map[string][]string{
	"momo": {
		"partner_code", "access_key", "secret_key", "endpoint",
		"redirect_url", "ipn_url", "request_type", "lang",
	},
	"zalopay": {
		"app_id", "key1", "key2", "endpoint",
		"callback_url", "redirect_url", "app_user",
	},
	"vnpay": {
		"tmn_code", "hash_secret", "payment_url",
		"return_url", "locale", "order_type", "expire_minutes",
	},
}

var gatewayDefaults = map[string]string{
	"gateways.momo.endpoint":        "https://test-payment.momo.vn/v2/gateway/api/create",
	"gateways.momo.request_type":    "captureWallet",
	"gateways.momo.lang":            "vi",
	"gateways.zalopay.endpoint":     "https://sb-openapi.zalopay.vn/v2/create",
	"gateways.zalopay.app_user":     "coursepay",
	"gateways.vnpay.payment_url":    "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
	"gateways.vnpay.locale":         "vn",
	"gateways.vnpay.order_type":     "other",
	"gateways.vnpay.expire_minutes": "15",
}

// GatewayConfig maps provider name to its flat settings.
type GatewayConfig map[string]map[string]string

// GatewaySettings returns a copy of the settings for provider.
func (g GatewayConfig) GatewaySettings(provider string) (map[string]string, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	settings, ok := g[provider]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out, true
}

type GatewayConfigHolder struct {
	current atomic.Value // holds GatewayConfig
}

func NewGatewayConfigHolder(log *zap.Logger) (*GatewayConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.gateways")

	v := viper.New()

	v.SetConfigName("gateways")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/coursepay/config")
	v.AddConfigPath("/etc/coursepay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COURSEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range gatewayDefaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("gateways config file not found, using defaults and environment")
	}

	cfg := readGatewayConfig(v)
	if err := validateGatewayConfig(cfg); err != nil {
		return nil, err
	}

	holder := &GatewayConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := readGatewayConfig(v)
		if err := validateGatewayConfig(updated); err != nil {
			log.Warn("invalid gateways config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("gateways config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticGatewayConfigHolder wraps a fixed config without file watching.
func NewStaticGatewayConfigHolder(cfg GatewayConfig) *GatewayConfigHolder {
	holder := &GatewayConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *GatewayConfigHolder) Get() GatewayConfig {
	return h.current.Load().(GatewayConfig)
}

func (h *GatewayConfigHolder) GatewaySettings(provider string) (map[string]string, bool) {
	return h.Get().GatewaySettings(provider)
}

func readGatewayConfig(v *viper.Viper) GatewayConfig {
	cfg := GatewayConfig{}
	for provider, keys := range gatewayKeys {
		settings := make(map[string]string, len(keys))
		for _, key := range keys {
			value := strings.TrimSpace(v.GetString("gateways." + provider + "." + key))
			if value != "" {
				settings[key] = value
			}
		}
		cfg[provider] = settings
	}
	cfg["cash"] = map[string]string{}
	return cfg
}

func validateGatewayConfig(cfg GatewayConfig) error {
	for provider, settings := range cfg {
		for key, value := range settings {
			if !strings.HasSuffix(key, "_url") && key != "endpoint" {
				continue
			}
			parsed, err := url.Parse(value)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("gateways.%s.%s must be an absolute url", provider, key)
			}
		}
	}
	return nil
}
