// Package ingest receives the objects an archive pushes back after a C-MOVE
// and writes them into the cache.
package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/metrics"
)

// AcceptedTransferSyntaxes are offered to inbound associations.
var AcceptedTransferSyntaxes = []string{dcm.ExplicitVRLittleEndian, dcm.ImplicitVRLittleEndian}

// Sink is the storage SCP. It implements dimse.SCPHandler.
type Sink struct {
	store    cache.Store
	listener dimse.Listener
	aeTitle  string
	port     int
	logger   *logrus.Logger
}

// NewSink wires a sink that listens as aeTitle on port.
func NewSink(store cache.Store, listener dimse.Listener, aeTitle string, port int, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sink{store: store, listener: listener, aeTitle: aeTitle, port: port, logger: logger}
}

// Serve blocks until ctx is done or the listener fails.
func (s *Sink) Serve(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"action":   "scp_listen",
		"ae_title": s.aeTitle,
		"port":     s.port,
	}).Info("storage SCP listening")

	err := s.listener.Serve(ctx, dimse.ListenConfig{
		AETitle:          s.aeTitle,
		Port:             s.port,
		TransferSyntaxes: append([]string(nil), AcceptedTransferSyntaxes...),
	}, s)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("storage SCP %s:%d: %w", s.aeTitle, s.port, err)
	}
	return nil
}

// HandleStore persists one pushed object. The returned error becomes a
// C-STORE failure status.
func (s *Sink) HandleStore(ctx context.Context, req dimse.StoreRequest) error {
	fields := logging.StoreFields(req.CallingAETitle, req.RemoteAddr, req.SOPClassUID, req.SOPInstanceUID)
	if req.Dataset == nil {
		metrics.IngestObjects.WithLabelValues("rejected").Inc()
		s.logger.WithFields(fields).Warn("C-STORE without dataset")
		return fmt.Errorf("C-STORE %s: empty dataset", req.SOPInstanceUID)
	}

	path, err := s.store.WriteObject(ctx, req.Dataset, req.TransferSyntax, req.SOPClassUID)
	if err != nil {
		metrics.IngestObjects.WithLabelValues("failed").Inc()
		s.logger.WithFields(fields).WithError(err).Error("store object failed")
		return err
	}
	metrics.IngestObjects.WithLabelValues("stored").Inc()
	s.logger.WithFields(fields).WithField("path", path).Debug("object stored")
	return nil
}

// HandleEcho only logs; verification always succeeds.
func (s *Sink) HandleEcho(ctx context.Context, req dimse.EchoRequest) error {
	s.logger.WithFields(logrus.Fields{
		"action":      "scp_echo",
		"calling_ae":  req.CallingAETitle,
		"remote_addr": req.RemoteAddr,
	}).Info("C-ECHO received")
	return nil
}

var _ dimse.SCPHandler = (*Sink)(nil)
