package pricing

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pricing",
	fx.Provide(NewHolder),
	fx.Provide(func(h *Holder) Catalog { return h }),
)

// Holder serves the latest valid pricing configuration and reloads it when pricing.yml changes.
type Holder struct {
	current atomic.Value // holds Config
}

func NewHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	log = log.Named("pricing")
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	if cfg.Pricing.Path != "" {
		v.AddConfigPath(cfg.Pricing.Path)
	}
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	current := DefaultConfig()
	if fileFound {
		var loaded Config
		if err := v.UnmarshalKey("pricing", &loaded); err != nil {
			return nil, err
		}
		if err := Validate(loaded); err != nil {
			return nil, err
		}
		current = loaded
	} else {
		log.Warn("pricing.yml not found, using built-in catalog")
	}

	holder := NewHolderFromConfig(current)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Config
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Error("pricing reload failed", zap.Error(err))
			return
		}
		if err := Validate(updated); err != nil {
			log.Warn("invalid pricing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing reloaded", zap.String("file", e.Name), zap.Int("prices", len(updated.Prices)))
	})

	return holder, nil
}

// NewHolderFromConfig wraps an already validated configuration.
func NewHolderFromConfig(cfg Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

func (h *Holder) Get() Config {
	return h.current.Load().(Config)
}

func (h *Holder) Resolve(priceID string) (Price, bool) {
	return resolve(h.Get(), priceID)
}

func (h *Holder) Lookup(plan, billingCycle string) (Price, bool) {
	return lookup(h.Get(), plan, billingCycle)
}

func (h *Holder) FreeGrant() FreeGrant {
	return h.Get().FreeGrant
}

func (h *Holder) OneTimeValidity() time.Duration {
	return days(h.Get().OneTimeValidityDays)
}
