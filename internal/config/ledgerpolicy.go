package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LedgerPolicy carries the operator-tunable knobs of the wallet ledger.
type LedgerPolicy struct {
	// ReservationTTL is how long a hold may stay uncommitted before the
	// sweeper releases it as abandoned.
	ReservationTTL time.Duration `mapstructure:"reservationTtl"`

	// DebitMaxRetries bounds the internal retry loop on write conflicts
	// before the ledger surfaces a transient failure.
	DebitMaxRetries int `mapstructure:"debitMaxRetries"`

	// DebitRetryBackoff is the pause between conflict retries.
	DebitRetryBackoff time.Duration `mapstructure:"debitRetryBackoff"`

	// GraceTiers lists customer tiers whose wallets are created with
	// negative balances allowed.
	GraceTiers []string `mapstructure:"graceTiers"`
}

func DefaultLedgerPolicy() LedgerPolicy {
	return LedgerPolicy{
		ReservationTTL:    15 * time.Minute,
		DebitMaxRetries:   5,
		DebitRetryBackoff: 25 * time.Millisecond,
		GraceTiers:        nil,
	}
}

// LedgerPolicyHolder exposes the current policy with hot reload.
type LedgerPolicyHolder struct {
	current atomic.Value // holds LedgerPolicy
}

func NewLedgerPolicyHolder() (*LedgerPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/creditmeter")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("CREDITMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultLedgerPolicy()
		v.SetDefault("ledger.reservationTtl", defaults.ReservationTTL)
		v.SetDefault("ledger.debitMaxRetries", defaults.DebitMaxRetries)
		v.SetDefault("ledger.debitRetryBackoff", defaults.DebitRetryBackoff)
		v.SetDefault("ledger.graceTiers", defaults.GraceTiers)
	}

	var policy LedgerPolicy
	if err := v.UnmarshalKey("ledger", &policy); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	if err := validateLedgerPolicy(policy); err != nil {
		return nil, err
	}

	holder := &LedgerPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerPolicy
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Printf("[ledger-policy] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateLedgerPolicy(updated); err != nil {
			log.Printf("[ledger-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ledger-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LedgerPolicyHolder) Get() LedgerPolicy {
	return h.current.Load().(LedgerPolicy)
}

// NewStaticLedgerPolicyHolder pins a fixed policy, used by tests.
func NewStaticLedgerPolicyHolder(policy LedgerPolicy) *LedgerPolicyHolder {
	holder := &LedgerPolicyHolder{}
	holder.current.Store(policy.withDefaults())
	return holder
}

func (p LedgerPolicy) withDefaults() LedgerPolicy {
	defaults := DefaultLedgerPolicy()
	if p.ReservationTTL <= 0 {
		p.ReservationTTL = defaults.ReservationTTL
	}
	if p.DebitMaxRetries <= 0 {
		p.DebitMaxRetries = defaults.DebitMaxRetries
	}
	if p.DebitRetryBackoff <= 0 {
		p.DebitRetryBackoff = defaults.DebitRetryBackoff
	}
	return p
}

func validateLedgerPolicy(p LedgerPolicy) error {
	if p.ReservationTTL < time.Second {
		return errors.New("ledger.reservationTtl must be at least one second")
	}
	if p.DebitMaxRetries > 100 {
		return errors.New("ledger.debitMaxRetries is unreasonably large")
	}
	return nil
}
