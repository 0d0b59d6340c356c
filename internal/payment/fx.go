package payment

import (
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	"github.com/smallbiznis/creditledger/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/payment/repository"
	"github.com/smallbiznis/creditledger/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(func(r *adapters.Registry) paymentdomain.Provider { return r.Default() }),
	fx.Provide(webhook.NewService),
)

// NewRegistry registers every provider with usable credentials. A missing
// webhook secret leaves the provider out instead of failing startup.
func NewRegistry(cfg config.Config, log *zap.Logger) *adapters.Registry {
	var providers []paymentdomain.Provider

	if adapter, err := stripe.New(stripe.ConfigFrom(cfg)); err != nil {
		log.Warn("stripe provider disabled", zap.Error(err))
	} else {
		providers = append(providers, adapter)
	}

	return adapters.NewRegistry(providers...)
}
