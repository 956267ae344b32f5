// Package query runs QIDO searches as C-FIND exchanges and turns HTTP query
// parameters into C-FIND identifiers.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// Request is one search.
type Request struct {
	Level dcm.Level
	// Filters carry matching keys; Included lists extra return keys.
	Filters       *dcm.Attributes
	Included      *dcm.Attributes
	Offset        int
	Limit         int
	FuzzyMatching bool
}

// Agent issues C-FIND queries against one archive.
type Agent struct {
	dialer   dimse.Dialer
	endpoint dimse.Endpoint
	logger   *logrus.Logger
}

// NewAgent builds an agent for endpoint.
func NewAgent(dialer dimse.Dialer, endpoint dimse.Endpoint, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Agent{dialer: dialer, endpoint: endpoint, logger: logger}
}

// Query returns the matches of req. Records before Offset are skipped; once
// Limit (0 means no limit) matches are collected the exchange is cancelled.
func (a *Agent) Query(ctx context.Context, req Request) (results []*dcm.Attributes, err error) {
	level := string(req.Level)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.QueryRequests.WithLabelValues(level, outcome).Inc()
		metrics.QueryDuration.WithLabelValues(level).Observe(time.Since(start).Seconds())
	}()

	keys := BuildKeys(req)
	a.logger.WithFields(logging.QueryFields(level, req.Offset, req.Limit)).
		WithField("fuzzy", req.FuzzyMatching).
		WithField("keys", len(keys.Tags())).
		Debug("start C-FIND")

	session := dimse.NewSession(a.dialer, a.endpoint, dcm.StudyRootQueryRetrieveInformationModelFind, a.logger, dimse.WithExtendedNegotiation())
	defer func() {
		if relErr := session.ReleaseGracefully(ctx); relErr != nil && err == nil {
			err = relErr
		}
	}()

	assoc, err := session.Connect(ctx)
	if err != nil {
		return nil, err
	}

	findCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &collector{offset: req.Offset, limit: req.Limit, cancel: cancel, final: -1}
	if err := assoc.CFind(findCtx, dcm.StudyRootQueryRetrieveInformationModelFind, keys, c.handle); err != nil {
		return nil, fmt.Errorf("send C-FIND: %w", err)
	}
	if assoc.ReadyForDataTransfer() {
		if err := assoc.WaitForOutstandingResponses(ctx); err != nil {
			return nil, fmt.Errorf("wait for C-FIND responses: %w", err)
		}
	}

	results, final, comment := c.snapshot()
	if final != -1 && final != dimse.StatusSuccess && final != dimse.StatusCancel {
		return nil, fmt.Errorf("C-FIND failed with status 0x%04X: %s", final, comment)
	}
	return results, nil
}

// BuildKeys merges the level's required return keys, the included keys and
// the filters, in that order of precedence, and sets the query level.
func BuildKeys(req Request) *dcm.Attributes {
	keys := dcm.NewAttributes()
	for _, id := range requiredAttributes[req.Level] {
		id.EnsureExists(keys)
	}
	if req.Included != nil {
		keys.AddAll(req.Included)
	}
	if req.Filters != nil {
		keys.AddAll(req.Filters)
	}
	keys.SetString(dcm.QueryRetrieveLevel, string(req.Level))
	return keys
}

// collector accumulates pending C-FIND responses.
type collector struct {
	offset int
	limit  int
	cancel context.CancelFunc

	mu       sync.Mutex
	seen     int
	results  []*dcm.Attributes
	canceled bool
	final    int
	comment  string
}

func (c *collector) handle(rsp dimse.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := rsp.Status()
	if !dimse.IsPending(status) {
		c.final = status
		c.comment = rsp.Command.String(dcm.ErrorComment)
		return
	}

	c.seen++
	if c.seen <= c.offset || c.canceled || rsp.Data == nil {
		return
	}
	c.results = append(c.results, rsp.Data)
	if c.limit > 0 && len(c.results) >= c.limit {
		c.canceled = true
		c.cancel()
	}
}

func (c *collector) snapshot() ([]*dcm.Attributes, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*dcm.Attributes(nil), c.results...), c.final, c.comment
}
