package dimse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// ErrSessionReleased is returned by Connect on a session that was already
// released; sessions are single-use.
var ErrSessionReleased = errors.New("dimse session already released")

// DefaultTransferSyntaxes are proposed for every presentation context.
var DefaultTransferSyntaxes = []string{dcm.ImplicitVRLittleEndian, dcm.ExplicitVRLittleEndian}

// Endpoint names both sides of an association.
type Endpoint struct {
	LocalAETitle  string
	RemoteAETitle string
	Host          string
	Port          int
}

func (e Endpoint) String() string {
	return e.RemoteAETitle + "@" + e.Host + ":" + strconv.Itoa(e.Port)
}

// Session owns one association for the duration of one logical operation.
type Session struct {
	dialer Dialer
	req    AssociateRequest
	logger *logrus.Logger

	mu       sync.Mutex
	assoc    Association
	released bool
}

// SessionOption tweaks the association request.
type SessionOption func(*AssociateRequest)

// WithExtendedNegotiation requests the query options extended negotiation.
func WithExtendedNegotiation() SessionOption {
	return func(r *AssociateRequest) { r.ExtendedNegotiation = true }
}

// NewSession prepares, without dialing, a session for abstractSyntax.
func NewSession(dialer Dialer, ep Endpoint, abstractSyntax string, logger *logrus.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	req := AssociateRequest{
		CallingAETitle:   ep.LocalAETitle,
		CalledAETitle:    ep.RemoteAETitle,
		Host:             ep.Host,
		Port:             ep.Port,
		AbstractSyntax:   abstractSyntax,
		TransferSyntaxes: append([]string(nil), DefaultTransferSyntaxes...),
	}
	for _, opt := range opts {
		opt(&req)
	}
	return &Session{dialer: dialer, req: req, logger: logger}
}

// Connect dials on first use and returns the same association afterwards.
func (s *Session) Connect(ctx context.Context) (Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrSessionReleased
	}
	if s.assoc != nil {
		return s.assoc, nil
	}

	assoc, err := s.dialer.Dial(ctx, s.req)
	if err != nil {
		return nil, fmt.Errorf("associate %s@%s:%d: %w", s.req.CalledAETitle, s.req.Host, s.req.Port, err)
	}
	s.assoc = assoc
	return assoc, nil
}

// ReleaseGracefully waits for outstanding responses and releases the
// association. A cancelled wait still releases and then returns ctx's error.
// Release failures are only logged. Calling it on a session that never
// connected, or twice, is a no-op.
func (s *Session) ReleaseGracefully(ctx context.Context) error {
	s.mu.Lock()
	assoc := s.assoc
	s.assoc = nil
	s.released = true
	s.mu.Unlock()

	if assoc == nil {
		return nil
	}

	fields := logrus.Fields{
		"action":    "dimse_release",
		"remote_ae": s.req.CalledAETitle,
		"host":      s.req.Host,
		"port":      s.req.Port,
	}

	if !assoc.ReadyForDataTransfer() {
		s.logger.WithFields(fields).Warn("association not ready for data transfer")
		return nil
	}

	var waitErr error
	if err := assoc.WaitForOutstandingResponses(ctx); err != nil {
		waitErr = err
		s.logger.WithFields(fields).WithError(err).Warn("interrupted while waiting for outstanding responses")
	}

	if err := assoc.Release(); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("association release failed")
	}

	if waitErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return waitErr
}
