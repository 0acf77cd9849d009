package contractsdk

import (
	"fmt"
	"time"
)

const (
	defaultCacheTTL             = 10 * time.Minute
	defaultPollInterval         = time.Minute
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 0 // unlimited
	defaultRequestTimeout       = 15 * time.Second

	// vtxoPageSize is the fixed page size used for paginated indexer fetches.
	vtxoPageSize = 100
)

// Options groups the tunables of the manager, watcher and cache. Defaults are
// applied once by newDefaultOptions, call sites never re-apply them.
type Options struct {
	CacheTTL             time.Duration
	PollInterval         time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		CacheTTL:             defaultCacheTTL,
		PollInterval:         defaultPollInterval,
		ReconnectBaseDelay:   defaultReconnectBaseDelay,
		ReconnectMaxDelay:    defaultReconnectMaxDelay,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		RequestTimeout:       defaultRequestTimeout,
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Options) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive")
		}
		o.CacheTTL = ttl
		return nil
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		o.PollInterval = interval
		return nil
	}
}

// WithReconnectBackoff sets the base delay of the exponential reconnect
// backoff and the cap it grows to.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(o *Options) error {
		if base <= 0 || max < base {
			return fmt.Errorf("invalid reconnect backoff: base %s, max %s", base, max)
		}
		o.ReconnectBaseDelay = base
		o.ReconnectMaxDelay = max
		return nil
	}
}

// WithMaxReconnectAttempts bounds the number of consecutive reconnect
// attempts, 0 means unlimited.
func WithMaxReconnectAttempts(attempts int) Option {
	return func(o *Options) error {
		if attempts < 0 {
			return fmt.Errorf("max reconnect attempts must not be negative")
		}
		o.MaxReconnectAttempts = attempts
		return nil
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) error {
		if timeout <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		o.RequestTimeout = timeout
		return nil
	}
}

// VtxoQueryOptions customizes vtxo reads: whether spent vtxos are included
// and whether the cache must be bypassed.
type VtxoQueryOptions struct {
	IncludeSpent bool
	Refresh      bool
}

type VtxoQueryOption func(*VtxoQueryOptions)

func WithSpent() VtxoQueryOption {
	return func(o *VtxoQueryOptions) {
		o.IncludeSpent = true
	}
}

func WithRefresh() VtxoQueryOption {
	return func(o *VtxoQueryOptions) {
		o.Refresh = true
	}
}
