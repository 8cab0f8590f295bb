package exshopify

import (
	"errors"
	"fmt"
	"time"

	"github.com/diggleweb/exshopify/stats"
)

const (
	DefaultCapacityPerPartition        = 40
	DefaultRefillRatePerSecond         = 2.0
	DefaultMaxQueueDepthPerPartition   = 1000
	DefaultIdleTeardownAfter           = time.Minute
	DefaultMaxRestartsPerWindow        = 5
	DefaultRestartWindow               = time.Minute
	DefaultConcurrentSlotsPerPartition = 1
	DefaultRestartBackoff              = 100 * time.Millisecond
	DefaultMaxRestartBackoff           = 5 * time.Second
	DefaultRetryAfter                  = time.Second
)

// Config holds the configuration for a dispatcher instance.
//
// Zero values are replaced by the defaults, so that an
// empty Config with just a Transport is valid.
type Config struct {

	// Transport executes the requests. Required.
	Transport Transport

	// CapacityPerPartition is the bucket size assumed for a partition
	// until the remote service reports its own limit.
	// default: 40
	CapacityPerPartition int

	// RefillRatePerSecond is the amount of requests
	// regained every second by a partition bucket.
	// default: 2
	RefillRatePerSecond float64

	// MaxQueueDepthPerPartition is the maximum amount of pending requests
	// a partition accepts before answering with ErrQueueFull.
	// default: 1000
	MaxQueueDepthPerPartition int

	// IdleTeardownAfter is how long a partition worker survives
	// with nothing to do before being removed.
	// default: 1 minute
	IdleTeardownAfter time.Duration

	// MaxRestartsPerWindow is the maximum amount of crashes tolerated
	// within RestartWindow before the partition is declared unavailable.
	// default: 5
	MaxRestartsPerWindow int

	// RestartWindow is the width of the window crashes are counted in.
	// default: 1 minute
	RestartWindow time.Duration

	// ConcurrentSlotsPerPartition is the amount of requests
	// a single partition may have in flight at the same time.
	// default: 1 (strict per-account serialization)
	ConcurrentSlotsPerPartition int

	// RestartBackoff is the delay before the first restart of a crashed
	// worker; it doubles with every crash in the window.
	// default: 100ms
	RestartBackoff time.Duration

	// MaxRestartBackoff caps the restart delay.
	// default: 5 seconds
	MaxRestartBackoff time.Duration

	// DefaultRetryAfter is the backoff applied when the remote service
	// throttles a request without suggesting a wait.
	// default: 1 second
	DefaultRetryAfter time.Duration

	// KeyFunc derives the partition key of a request.
	// default: DefaultKeyFunc
	KeyFunc KeyFunc

	// StatsStore receives dispatch events, best-effort.
	// You can use stats.NewMemoryStore or stats.NewRedisStore.
	// default: none
	StatsStore stats.Store

	// TimeFunc can be overriden to allow for easier testing,
	// you should usually not override it.
	// It drives the bucket refill, the idle teardown
	// and the crash window, not the timers the workers wait on.
	TimeFunc func() time.Time

	// you can pass your custom logger if you'd like to
	// but it's not required
	Logger Logger
}

// effectiveConfig holds the validated configuration
// obtained from the user-provided one.
type effectiveConfig struct {
	Capacity          int
	RefillRate        float64
	MaxQueueDepth     int
	IdleTeardownAfter time.Duration
	MaxRestarts       int
	RestartWindow     time.Duration
	Slots             int
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	DefaultRetryAfter time.Duration
	TimeFunc          func() time.Time
}

// New returns a running Dispatcher
// built with the specified configuration.
//
// A non-nil error is returned in case of invalid configuration.
func New(config *Config) (Dispatcher, error) {
	if config == nil {
		return nil, errors.New("configuration is required")
	}

	effectiveLogger := config.Logger
	if effectiveLogger == nil {
		effectiveLogger = &defaultLogger{}
	} else {
		effectiveLogger.Info("binding provided logger to Dispatcher")
	}

	parsedConfig, err := validateConfiguration(config)
	if err != nil {
		return nil, err
	}

	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}

	return newDispatcher(parsedConfig, config.Transport, keyFunc, config.StatsStore, effectiveLogger), nil
}

// validateConfiguration will parse the user-provided configuration
// to the required format for runtime while also validating it.
func validateConfiguration(config *Config) (*effectiveConfig, error) {
	if config.Transport == nil {
		return nil, errors.New("a Transport is required")
	}

	out := effectiveConfig{
		Capacity:          DefaultCapacityPerPartition,
		RefillRate:        DefaultRefillRatePerSecond,
		MaxQueueDepth:     DefaultMaxQueueDepthPerPartition,
		IdleTeardownAfter: DefaultIdleTeardownAfter,
		MaxRestarts:       DefaultMaxRestartsPerWindow,
		RestartWindow:     DefaultRestartWindow,
		Slots:             DefaultConcurrentSlotsPerPartition,
		RestartBackoff:    DefaultRestartBackoff,
		MaxRestartBackoff: DefaultMaxRestartBackoff,
		DefaultRetryAfter: DefaultRetryAfter,
		TimeFunc:          config.TimeFunc,
	}

	if out.TimeFunc == nil {
		out.TimeFunc = time.Now
	}

	if config.CapacityPerPartition < 0 {
		return nil, fmt.Errorf("CapacityPerPartition should be greater than 0 (given: %v)", config.CapacityPerPartition)
	} else if config.CapacityPerPartition > 0 {
		out.Capacity = config.CapacityPerPartition
	}

	if config.RefillRatePerSecond < 0 {
		return nil, fmt.Errorf("RefillRatePerSecond should be positive (given: %v)", config.RefillRatePerSecond)
	} else if config.RefillRatePerSecond > 0 {
		out.RefillRate = config.RefillRatePerSecond
	}

	if config.MaxQueueDepthPerPartition < 0 {
		return nil, fmt.Errorf("MaxQueueDepthPerPartition should be greater than 0 (given: %v)", config.MaxQueueDepthPerPartition)
	} else if config.MaxQueueDepthPerPartition > 0 {
		out.MaxQueueDepth = config.MaxQueueDepthPerPartition
	}

	if config.IdleTeardownAfter < 0 {
		return nil, fmt.Errorf("IdleTeardownAfter should not be negative (given: %v)", config.IdleTeardownAfter)
	} else if config.IdleTeardownAfter > 0 {
		out.IdleTeardownAfter = config.IdleTeardownAfter
	}

	if config.MaxRestartsPerWindow < 0 {
		return nil, fmt.Errorf("MaxRestartsPerWindow should not be negative (given: %v)", config.MaxRestartsPerWindow)
	} else if config.MaxRestartsPerWindow > 0 {
		out.MaxRestarts = config.MaxRestartsPerWindow
	}

	if config.RestartWindow < 0 {
		return nil, fmt.Errorf("RestartWindow should not be negative (given: %v)", config.RestartWindow)
	} else if config.RestartWindow > 0 {
		out.RestartWindow = config.RestartWindow
	}

	if config.ConcurrentSlotsPerPartition < 0 {
		return nil, fmt.Errorf("ConcurrentSlotsPerPartition should be greater than 0 (given: %v)", config.ConcurrentSlotsPerPartition)
	} else if config.ConcurrentSlotsPerPartition > 0 {
		out.Slots = config.ConcurrentSlotsPerPartition
	}

	if config.RestartBackoff < 0 {
		return nil, fmt.Errorf("RestartBackoff should not be negative (given: %v)", config.RestartBackoff)
	} else if config.RestartBackoff > 0 {
		out.RestartBackoff = config.RestartBackoff
	}

	if config.MaxRestartBackoff < 0 {
		return nil, fmt.Errorf("MaxRestartBackoff should not be negative (given: %v)", config.MaxRestartBackoff)
	} else if config.MaxRestartBackoff > 0 {
		out.MaxRestartBackoff = config.MaxRestartBackoff
	}
	if out.MaxRestartBackoff < out.RestartBackoff {
		return nil, fmt.Errorf("MaxRestartBackoff should not be lower than RestartBackoff (given: %v over %v)", out.MaxRestartBackoff, out.RestartBackoff)
	}

	if config.DefaultRetryAfter < 0 {
		return nil, fmt.Errorf("DefaultRetryAfter should not be negative (given: %v)", config.DefaultRetryAfter)
	} else if config.DefaultRetryAfter > 0 {
		out.DefaultRetryAfter = config.DefaultRetryAfter
	}

	return &out, nil
}
