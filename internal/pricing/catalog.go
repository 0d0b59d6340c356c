// Package pricing resolves purchasable prices and credit grants from external configuration.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TypeSubscription = "subscription"
	TypeOneTime      = "one_time"

	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
	CycleOnce    = "once"
)

// Price describes one purchasable item as configured in pricing.yml.
type Price struct {
	ID           string `mapstructure:"id" json:"id"`
	Name         string `mapstructure:"name" json:"name"`
	Plan         string `mapstructure:"plan" json:"plan"`
	BillingCycle string `mapstructure:"billingCycle" json:"billing_cycle"`
	Type         string `mapstructure:"type" json:"type"`
	Amount       int64  `mapstructure:"amount" json:"amount"`
	Currency     string `mapstructure:"currency" json:"currency"`
	Credits      int64  `mapstructure:"credits" json:"credits"`
	Interval     string `mapstructure:"interval" json:"interval,omitempty"`
}

func (p Price) IsSubscription() bool {
	return p.Type == TypeSubscription
}

// FreeGrant is the credit allowance given to every new or upgraded user.
type FreeGrant struct {
	AnonymousCredits  int64 `mapstructure:"anonymousCredits"`
	RegisteredCredits int64 `mapstructure:"registeredCredits"`
	ValidityDays      int   `mapstructure:"validityDays"`
}

type Config struct {
	Prices              []Price   `mapstructure:"prices"`
	FreeGrant           FreeGrant `mapstructure:"freeGrant"`
	OneTimeValidityDays int       `mapstructure:"oneTimeValidityDays"`
}

// Catalog is a pure lookup over the configured prices.
type Catalog interface {
	Resolve(priceID string) (Price, bool)
	Lookup(plan, billingCycle string) (Price, bool)
	FreeGrant() FreeGrant
	OneTimeValidity() time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prices: []Price{
			{ID: "price_basic_monthly", Name: "Basic Monthly", Plan: "basic", BillingCycle: CycleMonthly, Type: TypeSubscription, Amount: 999, Currency: "USD", Credits: 1000, Interval: "month"},
			{ID: "price_basic_yearly", Name: "Basic Yearly", Plan: "basic", BillingCycle: CycleYearly, Type: TypeSubscription, Amount: 9990, Currency: "USD", Credits: 12000, Interval: "year"},
			{ID: "price_pro_monthly", Name: "Pro Monthly", Plan: "pro", BillingCycle: CycleMonthly, Type: TypeSubscription, Amount: 2999, Currency: "USD", Credits: 5000, Interval: "month"},
			{ID: "price_pro_yearly", Name: "Pro Yearly", Plan: "pro", BillingCycle: CycleYearly, Type: TypeSubscription, Amount: 29990, Currency: "USD", Credits: 60000, Interval: "year"},
			{ID: "price_credits_500", Name: "500 Credits", Plan: "credits_500", BillingCycle: CycleOnce, Type: TypeOneTime, Amount: 499, Currency: "USD", Credits: 500},
		},
		FreeGrant: FreeGrant{
			AnonymousCredits:  50,
			RegisteredCredits: 100,
			ValidityDays:      30,
		},
		OneTimeValidityDays: 365,
	}
}

func Validate(cfg Config) error {
	if len(cfg.Prices) == 0 {
		return errors.New("pricing.prices cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Prices))
	for _, p := range cfg.Prices {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("pricing.prices[].id is required")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate price id %q", id)
		}
		seen[id] = struct{}{}
		switch p.Type {
		case TypeSubscription, TypeOneTime:
		default:
			return fmt.Errorf("price %q has invalid type %q", id, p.Type)
		}
		if p.Amount < 0 || p.Credits < 0 {
			return fmt.Errorf("price %q has negative amount or credits", id)
		}
	}
	if cfg.FreeGrant.AnonymousCredits < 0 || cfg.FreeGrant.RegisteredCredits < 0 {
		return errors.New("pricing.freeGrant credits cannot be negative")
	}
	if cfg.FreeGrant.ValidityDays <= 0 {
		return errors.New("pricing.freeGrant.validityDays must be positive")
	}
	if cfg.OneTimeValidityDays <= 0 {
		return errors.New("pricing.oneTimeValidityDays must be positive")
	}
	return nil
}

type staticCatalog struct {
	cfg Config
}

// NewStaticCatalog returns a Catalog backed by a fixed configuration.
func NewStaticCatalog(cfg Config) Catalog {
	return &staticCatalog{cfg: cfg}
}

func (c *staticCatalog) Resolve(priceID string) (Price, bool) {
	return resolve(c.cfg, priceID)
}

func (c *staticCatalog) Lookup(plan, billingCycle string) (Price, bool) {
	return lookup(c.cfg, plan, billingCycle)
}

func (c *staticCatalog) FreeGrant() FreeGrant {
	return c.cfg.FreeGrant
}

func (c *staticCatalog) OneTimeValidity() time.Duration {
	return days(c.cfg.OneTimeValidityDays)
}

func resolve(cfg Config, priceID string) (Price, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Price{}, false
	}
	for _, p := range cfg.Prices {
		if p.ID == priceID {
			return p, true
		}
	}
	return Price{}, false
}

func lookup(cfg Config, plan, billingCycle string) (Price, bool) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	billingCycle = strings.ToLower(strings.TrimSpace(billingCycle))
	for _, p := range cfg.Prices {
		if strings.EqualFold(p.Plan, plan) && strings.EqualFold(p.BillingCycle, billingCycle) {
			return p, true
		}
	}
	return Price{}, false
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
