package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/raulk/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// 默认参数：每秒扫描一次，study 最新文件超过 60 分钟即回收。
const (
	DefaultReaperInterval = time.Second
	DefaultMaxAge         = 60 * time.Minute
)

// ReaperOptions 控制回收节奏。
type ReaperOptions struct {
	MaxAge   time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *logrus.Logger
}

// Reaper 定期删除过期的 study 目录以及根目录下的零散文件。
type Reaper struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Logger

	// swept 非空时每轮扫描结束后发送一次，测试用。
	swept chan struct{}
}

// NewReaper 构造 Reaper，零值选项使用默认参数。
func NewReaper(store Store, opts ReaperOptions) *Reaper {
	r := &Reaper{
		store:    store,
		maxAge:   opts.MaxAge,
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if r.maxAge <= 0 {
		r.maxAge = DefaultMaxAge
	}
	if r.interval <= 0 {
		r.interval = DefaultReaperInterval
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r
}

// Run 按间隔执行 Sweep，直到 ctx 结束。
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"action":   "reaper_start",
		"root":     r.store.Root(),
		"max_age":  r.maxAge.String(),
		"interval": r.interval.String(),
	}).Info("cache reaper started")

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("action", "reaper_stop").Info("cache reaper stopped")
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.WithField("action", "reaper_sweep").WithError(err).Warn("sweep finished with errors")
			}
			if r.swept != nil {
				select {
				case r.swept <- struct{}{}:
				case <-ctx.Done():
				}
			}
		}
	}
}

// Sweep 扫描一次缓存根目录；单个条目的错误只记录，不中断其余条目。
func (r *Reaper) Sweep(ctx context.Context) error {
	start := r.clock.Now()
	defer func() {
		metrics.ReaperSweepDuration.Observe(r.clock.Now().Sub(start).Seconds())
	}()

	root := r.store.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read cache root: %w", err)
	}

	var errs error
	for _, e := range entries {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		path := filepath.Join(root, e.Name())
		if !e.IsDir() {
			errs = multierr.Append(errs, r.evict(path, "stray", logrus.Fields{"file": e.Name()}))
			continue
		}
		if r.store.Pinned(e.Name()) {
			continue
		}
		newest, err := newestModTime(path)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"action": "reaper_scan", "study": e.Name()}).WithError(err).Warn("scan failed")
			errs = multierr.Append(errs, err)
			continue
		}
		if r.clock.Now().Sub(newest) <= r.maxAge {
			continue
		}
		errs = multierr.Append(errs, r.evict(path, "study", logrus.Fields{
			"study":    e.Name(),
			"last_use": humanize.RelTime(newest, r.clock.Now(), "ago", "from now"),
		}))
	}
	return errs
}

func (r *Reaper) evict(path, kind string, fields logrus.Fields) error {
	fields["action"] = "reaper_evict"
	fields["kind"] = kind
	if err := os.RemoveAll(path); err != nil {
		r.logger.WithFields(fields).WithError(err).Error("evict failed")
		return fmt.Errorf("evict %s: %w", path, err)
	}
	metrics.CacheEvictions.WithLabelValues(kind).Inc()
	r.logger.WithFields(fields).Info("evicted")
	return nil
}
