package simulate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
)

// ChaosConfig sets the fault injection probabilities.
type ChaosConfig struct {
	DelayProbability float64       `json:"delay_probability"`
	DropProbability  float64       `json:"drop_probability"`
	MinDelay         time.Duration `json:"min_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
}

// DefaultChaosConfig drops 10% of events and delays 20% by 100ms-5s.
func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		DelayProbability: 0.2,
		DropProbability:  0.1,
		MinDelay:         100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
	}
}

// ChaosPublisher wraps a publisher and, while enabled, randomly drops or
// delays events before forwarding them. Dropped events report success to
// the caller, as a lossy transport would.
type ChaosPublisher struct {
	mu      sync.Mutex
	log     *zap.SugaredLogger
	next    events.Publisher
	rng     *rand.Rand
	config  ChaosConfig
	enabled bool
}

// NewChaosPublisher wraps next, disabled until Enable is called.
func NewChaosPublisher(next events.Publisher, rng *rand.Rand, log *zap.SugaredLogger) *ChaosPublisher {
	return &ChaosPublisher{
		log:    log,
		next:   next,
		rng:    rng,
		config: DefaultChaosConfig(),
	}
}

// Enable turns fault injection on with the given config.
func (c *ChaosPublisher) Enable(config ChaosConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
	c.enabled = true
	c.log.Warnw("chaos mode enabled",
		"drop_probability", config.DropProbability, "delay_probability", config.DelayProbability)
}

// Disable turns fault injection off; events pass through untouched.
func (c *ChaosPublisher) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.log.Infow("chaos mode disabled")
}

// Enabled reports whether fault injection is active.
func (c *ChaosPublisher) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Publish forwards the event, possibly dropping or delaying it first.
func (c *ChaosPublisher) Publish(ctx context.Context, e events.Event) error {
	c.mu.Lock()
	enabled := c.enabled
	config := c.config
	var drop, delay float64
	if enabled {
		drop = c.rng.Float64()
		delay = c.rng.Float64()
	}
	c.mu.Unlock()

	if !enabled {
		return c.next.Publish(ctx, e)
	}

	if drop < config.DropProbability {
		c.log.Warnw("chaos dropped event", "type", e.Type)
		return nil
	}

	if delay < config.DelayProbability {
		c.mu.Lock()
		d := config.MinDelay + time.Duration(c.rng.Float64()*float64(config.MaxDelay-config.MinDelay))
		c.mu.Unlock()
		c.log.Warnw("chaos delaying event", "type", e.Type, "delay", d)
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}

	return c.next.Publish(ctx, e)
}
