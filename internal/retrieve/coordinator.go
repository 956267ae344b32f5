package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// ErrIdleTimeout marks an attempt whose objects stopped arriving before the
// expected count was reached.
var ErrIdleTimeout = errors.New("retrieve idle timeout")

// Defaults follow the broker's historical configuration.
const (
	DefaultMaxAttempts  = 6
	DefaultRetryDelay   = 600 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Config tunes the retrieval task.
type Config struct {
	// Endpoint is the archive the C-MOVE association goes to.
	Endpoint dimse.Endpoint
	// Destination is the AE title the archive pushes objects to.
	Destination string

	MaxAttempts  int
	RetryDelay   time.Duration
	IdleTimeout  time.Duration
	PollInterval time.Duration
	// IgnoreMissing accepts fewer objects than announced once the idle
	// timeout elapses.
	IgnoreMissing bool
	// StaleAfter, when positive, lets Acquire restart an in-progress or failed
	// entry older than this that no task in this process owns.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// Coordinator owns the retrieval lifecycle of cache entries.
type Coordinator struct {
	store  cache.Store
	dialer dimse.Dialer
	pool   *Pool
	cfg    Config
	clock  clock.Clock
	logger *logrus.Logger

	// sleep waits between attempts.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewCoordinator wires a coordinator; tasks run on pool.
func NewCoordinator(store cache.Store, dialer dimse.Dialer, pool *Pool, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		dialer: dialer,
		pool:   pool,
		cfg:    cfg.withDefaults(),
		clock:  clock.New(),
		logger: logrus.StandardLogger(),
		locks:  make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = c.clockSleep
	}
	return c
}

// Acquire returns the cached entry for id. On a miss it records an
// in-progress entry with unknown counters, schedules a retrieval and returns
// that entry without waiting. Requests for the same study are serialized so
// concurrent callers never schedule two tasks.
func (c *Coordinator) Acquire(ctx context.Context, id cache.Identifier) (*cache.Entry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	unlock := c.lock(id.Study)
	defer unlock()

	entry, err := c.store.Lookup(ctx, id)
	switch {
	case err == nil && !c.stale(id, entry):
		return entry, nil
	case err != nil && !errors.Is(err, cache.ErrNotFound):
		return nil, err
	case err == nil:
		c.logger.WithFields(logging.RetrieveFields("wado_stale", id.String(), string(id.Level()), 0)).
			WithField("status", entry.Status).
			WithField("updated_at", entry.UpdatedAt).
			Warn("restarting stale retrieval")
	}

	entry, err = c.store.MarkInProgress(ctx, id, cache.UnknownCounters())
	if err != nil {
		return nil, fmt.Errorf("record retrieval of %s: %w", id, err)
	}

	unpin := c.store.Pin(id)
	started := c.clock.Now()
	metrics.RetrievalsInFlight.Inc()
	err = c.pool.Submit(func(taskCtx context.Context) {
		defer unpin()
		defer metrics.RetrievalsInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logging.RetrieveFields("wado_retrieve", id.String(), string(id.Level()), 0)).
					Errorf("retrieval task panicked: %v", r)
			}
		}()
		c.run(taskCtx, id)
		metrics.RetrievalDuration.Observe(c.clock.Now().Sub(started).Seconds())
	})
	if err != nil {
		metrics.RetrievalsInFlight.Dec()
		unpin()
		return nil, fmt.Errorf("schedule retrieval of %s: %w", id, err)
	}
	metrics.RetrievalsStarted.Inc()
	return entry, nil
}

// stale reports whether an existing entry should be retrieved again.
func (c *Coordinator) stale(id cache.Identifier, entry *cache.Entry) bool {
	if c.cfg.StaleAfter <= 0 || entry.Status == cache.StatusCompleted {
		return false
	}
	if c.store.Pinned(id.Study) {
		return false
	}
	return c.clock.Now().Sub(entry.UpdatedAt) > c.cfg.StaleAfter
}

func (c *Coordinator) lock(key string) func() {
	c.mu.Lock()
	l := c.locks[key]
	if l == nil {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// moveKeys builds the C-MOVE identifier for id's level.
func moveKeys(id cache.Identifier) *dcm.Attributes {
	keys := dcm.NewAttributes()
	keys.SetString(dcm.QueryRetrieveLevel, string(id.Level()))
	keys.SetString(dcm.StudyInstanceUID, id.Study)
	if id.Series != "" {
		keys.SetString(dcm.SeriesInstanceUID, id.Series)
	}
	if id.Instance != "" {
		keys.SetString(dcm.SOPInstanceUID, id.Instance)
	}
	return keys
}
