package dimse_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse/dimsetest"
)

func testLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}

var endpoint = dimse.Endpoint{LocalAETitle: "BROKER", RemoteAETitle: "PACS", Host: "pacs.local", Port: 11112}

func TestSessionConnectIsIdempotent(t *testing.T) {
	archive := dimsetest.NewArchive()
	logger, _ := testLogger()
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelFind, logger, dimse.WithExtendedNegotiation())

	first, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}
	second, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("second connect error: %v", err)
	}
	if first != second || archive.Dials() != 1 {
		t.Fatalf("expected a single association, dials=%d", archive.Dials())
	}
	req := archive.Requests()[0]
	if req.CallingAETitle != "BROKER" || req.CalledAETitle != "PACS" || !req.ExtendedNegotiation {
		t.Fatalf("unexpected associate request: %+v", req)
	}
	if len(req.TransferSyntaxes) != 2 {
		t.Fatalf("expected implicit and explicit LE, got %v", req.TransferSyntaxes)
	}
}

func TestSessionIsSingleUse(t *testing.T) {
	archive := dimsetest.NewArchive()
	logger, _ := testLogger()
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, logger)

	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if err := s.ReleaseGracefully(context.Background()); err != nil {
		t.Fatalf("release error: %v", err)
	}
	if archive.Releases() != 1 {
		t.Fatalf("expected one release, got %d", archive.Releases())
	}
	if _, err := s.Connect(context.Background()); !errors.Is(err, dimse.ErrSessionReleased) {
		t.Fatalf("expected ErrSessionReleased, got %v", err)
	}
	if err := s.ReleaseGracefully(context.Background()); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if archive.Releases() != 1 {
		t.Fatalf("release must not be repeated")
	}
}

func TestSessionConnectFailureWrapsError(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.DialErr = errors.New("connection refused")
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, nil)

	_, err := s.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection refused") || !strings.Contains(err.Error(), "PACS@pacs.local:11112") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionReleaseFailureIsLogged(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.ReleaseErr = errors.New("peer vanished")
	logger, buf := testLogger()
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, logger)

	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if err := s.ReleaseGracefully(context.Background()); err != nil {
		t.Fatalf("release failure must not propagate: %v", err)
	}
	if !strings.Contains(buf.String(), "peer vanished") {
		t.Fatalf("release failure not logged: %s", buf.String())
	}
}

func TestSessionReleaseNotReadyWarns(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.NotReady = true
	logger, buf := testLogger()
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, logger)

	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if err := s.ReleaseGracefully(context.Background()); err != nil {
		t.Fatalf("not-ready release should not fail: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"warning"`) {
		t.Fatalf("expected warning log, got %s", buf.String())
	}
	if archive.Releases() != 0 {
		t.Fatalf("not-ready association must not be released")
	}
}

func TestSessionReleaseAfterInterruptedWait(t *testing.T) {
	archive := dimsetest.NewArchive()
	block := make(chan struct{})
	archive.Move = func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error) {
		<-block
		return nil, nil
	}
	defer close(block)

	logger, _ := testLogger()
	s := dimse.NewSession(archive, endpoint, dcm.StudyRootQueryRetrieveInformationModelMove, logger)
	assoc, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if err := assoc.CMove(context.Background(), dcm.StudyRootQueryRetrieveInformationModelMove, dcm.NewAttributes(), "BROKER", func(dimse.Response) {}); err != nil {
		t.Fatalf("cmove error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.ReleaseGracefully(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected interruption to be returned, got %v", err)
	}
	if archive.Releases() != 1 {
		t.Fatalf("association must still be released after interruption")
	}
}
