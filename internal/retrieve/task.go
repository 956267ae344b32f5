package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// moveResult collects the C-MOVE responses of one attempt.
type moveResult struct {
	mu       sync.Mutex
	status   int
	comment  string
	counters cache.Counters
}

func newMoveResult() *moveResult {
	return &moveResult{status: -1, counters: cache.UnknownCounters()}
}

func (r *moveResult) handle(rsp dimse.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := rsp.Command
	r.status = rsp.Status()
	r.counters = cache.Counters{
		Remaining: cmd.IntOr(dcm.NumberOfRemainingSuboperations, cache.Unknown),
		Completed: cmd.IntOr(dcm.NumberOfCompletedSuboperations, cache.Unknown),
		Failed:    cmd.IntOr(dcm.NumberOfFailedSuboperations, cache.Unknown),
		Warning:   cmd.IntOr(dcm.NumberOfWarningSuboperations, cache.Unknown),
	}
	if !dimse.IsPending(r.status) {
		r.counters.Remaining = 0
		r.comment = cmd.String(dcm.ErrorComment)
	}
}

func (r *moveResult) snapshot() (int, string, cache.Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.comment, r.counters
}

// remoteFailure reports whether the archive ended the exchange with a
// non-success status.
func (r *moveResult) remoteFailure() bool {
	status, _, _ := r.snapshot()
	return status != -1 && status != dimse.StatusSuccess
}

// run is the body of a retrieval task. Errors never escape: they are logged
// and retried until the attempts run out, then recorded as a failed entry.
// Cancellation of ctx leaves the entry in progress.
func (c *Coordinator) run(ctx context.Context, id cache.Identifier) {
	level := string(id.Level())
	var (
		last    *moveResult
		lastErr error
	)

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		fields := logging.RetrieveFields("wado_retrieve", id.String(), level, attempt)

		if attempt > 0 {
			if last != nil {
				_, _, counters := last.snapshot()
				expected := counters.Expected()
				actual, err := c.store.FileCount(ctx, id)
				if err == nil && expected > 0 && actual >= expected {
					c.complete(ctx, id, counters.Completed, counters.Warning, fields, "completed")
					return
				}
			}
			c.logger.WithFields(fields).Warn("retrying C-MOVE")
		}

		done, res, err := c.attempt(ctx, id, fields)
		if done {
			return
		}
		if ctx.Err() != nil {
			c.logger.WithFields(fields).Info("retrieval interrupted by shutdown")
			return
		}
		last, lastErr = res, err

		if attempt < c.cfg.MaxAttempts-1 {
			c.logger.WithFields(fields).WithField("delay", c.cfg.RetryDelay.String()).Warn("C-MOVE attempt failed, waiting before retry")
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				c.logger.WithFields(fields).Info("retrieval interrupted by shutdown")
				return
			}
		}
	}

	c.fail(ctx, id, last, lastErr)
}

// attempt issues one C-MOVE and polls for the objects. done is true once a
// terminal completed entry has been written.
func (c *Coordinator) attempt(ctx context.Context, id cache.Identifier, fields logrus.Fields) (bool, *moveResult, error) {
	metrics.RetrievalAttempts.Inc()

	if _, err := c.store.MarkInProgress(ctx, id, cache.UnknownCounters()); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("record in-progress entry failed")
		return false, nil, err
	}

	c.logger.WithFields(fields).Info("start C-MOVE")
	res, err := c.move(ctx, id)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("C-MOVE failed")
		return false, res, err
	}

	status, comment, counters := res.snapshot()
	if status != dimse.StatusSuccess {
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"status":    fmt.Sprintf("0x%04X", status),
			"comment":   comment,
			"completed": counters.Completed,
			"warning":   counters.Warning,
			"failed":    counters.Failed,
		}).Warn("C-MOVE returned failure status")
		return false, res, nil
	}

	if _, err := c.store.MarkInProgress(ctx, id, counters); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("refresh progress counters failed")
	}

	if err := c.poll(ctx, id, counters, fields); err != nil {
		return false, res, err
	}
	return true, res, nil
}

// move runs the C-MOVE exchange on a fresh session and releases it before
// returning.
func (c *Coordinator) move(ctx context.Context, id cache.Identifier) (res *moveResult, err error) {
	res = newMoveResult()
	session := dimse.NewSession(c.dialer, c.cfg.Endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, c.logger)
	defer func() {
		if relErr := session.ReleaseGracefully(ctx); relErr != nil && err == nil {
			err = relErr
		}
	}()

	assoc, err := session.Connect(ctx)
	if err != nil {
		return res, err
	}
	if err := assoc.CMove(ctx, dcm.StudyRootQueryRetrieveInformationModelMove, moveKeys(id), c.cfg.Destination, res.handle); err != nil {
		return res, fmt.Errorf("send C-MOVE: %w", err)
	}
	if assoc.ReadyForDataTransfer() {
		if err := assoc.WaitForOutstandingResponses(ctx); err != nil {
			return res, fmt.Errorf("wait for C-MOVE responses: %w", err)
		}
	}
	return res, nil
}

// poll samples the file count until the announced objects are present or the
// count has not changed for IdleTimeout. The idle timer restarts whenever the
// count changes.
func (c *Coordinator) poll(ctx context.Context, id cache.Identifier, counters cache.Counters, fields logrus.Fields) error {
	expected := counters.Expected()
	lastCount := -1
	idleSince := c.clock.Now()

	for {
		actual, err := c.store.FileCount(ctx, id)
		if err != nil {
			return fmt.Errorf("count retrieved objects: %w", err)
		}
		now := c.clock.Now()
		if actual != lastCount {
			lastCount = actual
			idleSince = now
		}
		idle := now.Sub(idleSince)

		switch {
		case expected > 0 && actual >= expected:
			c.complete(ctx, id, counters.Completed, counters.Warning, fields, "completed")
			return nil
		case expected > 0 && c.cfg.IgnoreMissing && idle >= c.cfg.IdleTimeout:
			c.logger.WithFields(fields).WithFields(logrus.Fields{
				"expected": expected,
				"received": actual,
			}).Warn("C-MOVE completed with missing objects")
			warning := min(max(counters.Warning, 0), actual)
			c.complete(ctx, id, actual-warning, warning, fields, "partial")
			return nil
		case expected <= 0 && actual > 0 && idle >= c.cfg.IdleTimeout:
			c.complete(ctx, id, actual, 0, fields, "completed")
			return nil
		case idle >= c.cfg.IdleTimeout:
			c.logger.WithFields(fields).WithFields(logrus.Fields{
				"expected": expected,
				"received": actual,
			}).Warn("C-MOVE timed out waiting for objects")
			return ErrIdleTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

func (c *Coordinator) complete(ctx context.Context, id cache.Identifier, completed, warning int, fields logrus.Fields, outcome string) {
	if _, err := c.store.MarkCompleted(ctx, id, completed, warning); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("record completed entry failed")
		return
	}
	metrics.RetrievalOutcomes.WithLabelValues(outcome).Inc()
	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"completed": completed,
		"warning":   warning,
	}).Info("C-MOVE completed")
}

// fail records the terminal failure. The message prefers the archive's own
// error, then the last local error, then "Timeout".
func (c *Coordinator) fail(ctx context.Context, id cache.Identifier, last *moveResult, lastErr error) {
	msg := "Timeout"
	counters := cache.UnknownCounters()
	if last != nil {
		_, _, counters = last.snapshot()
	}
	switch {
	case last != nil && last.remoteFailure():
		status, comment, _ := last.snapshot()
		msg = fmt.Sprintf("DICOM Error: 0x%04X. DICOM Error Comment: %s", status, comment)
	case lastErr != nil && !errors.Is(lastErr, ErrIdleTimeout):
		msg = lastErr.Error()
	}

	fields := logging.RetrieveFields("wado_retrieve", id.String(), string(id.Level()), c.cfg.MaxAttempts)
	if _, err := c.store.MarkFailed(ctx, id, msg, counters); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("record failed entry failed")
		return
	}
	metrics.RetrievalOutcomes.WithLabelValues("failed").Inc()
	c.logger.WithFields(fields).WithField("error", msg).Warn("C-MOVE request failed")
}
