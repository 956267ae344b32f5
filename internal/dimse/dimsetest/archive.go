// Package dimsetest provides an in-memory DIMSE toolkit for tests: a fake
// remote archive answering C-FIND and C-MOVE and a listener that pushes
// C-STORE requests to the broker's handler on demand.
package dimsetest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
)

// MoveFunc produces the C-MOVE responses for keys. It may push objects
// through the archive's listener before returning.
type MoveFunc func(ctx context.Context, keys *dcm.Attributes, destination string) ([]dimse.Response, error)

// Archive is a fake remote archive implementing dimse.Toolkit.
type Archive struct {
	// FindResults are returned as pending responses to every C-FIND.
	FindResults []*dcm.Attributes
	// Move drives C-MOVE; nil answers with a bare success.
	Move MoveFunc
	// DialErr, when set, fails every Dial.
	DialErr error
	// NotReady makes associations report they are not ready for data transfer.
	NotReady bool
	// ReleaseErr is returned by every Release.
	ReleaseErr error

	mu        sync.Mutex
	dials     int
	requests  []dimse.AssociateRequest
	findKeys  []*dcm.Attributes
	moveKeys  []*dcm.Attributes
	delivered int
	canceled  bool
	released  int
	handler   dimse.SCPHandler
	listening chan struct{}
}

// NewArchive returns an empty archive.
func NewArchive() *Archive {
	return &Archive{listening: make(chan struct{})}
}

func (a *Archive) Dial(ctx context.Context, req dimse.AssociateRequest) (dimse.Association, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials++
	a.requests = append(a.requests, req)
	if a.DialErr != nil {
		return nil, a.DialErr
	}
	return &association{archive: a, remote: req.CalledAETitle}, nil
}

// Serve records handler and blocks until ctx is done.
func (a *Archive) Serve(ctx context.Context, cfg dimse.ListenConfig, handler dimse.SCPHandler) error {
	a.mu.Lock()
	a.handler = handler
	select {
	case <-a.listening:
	default:
		close(a.listening)
	}
	a.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Listening is closed once Serve has been called.
func (a *Archive) Listening() <-chan struct{} {
	return a.listening
}

// Push delivers a C-STORE to the registered handler.
func (a *Archive) Push(ctx context.Context, req dimse.StoreRequest) error {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return errors.New("dimsetest: no listener registered")
	}
	return h.HandleStore(ctx, req)
}

// Echo delivers a C-ECHO to the registered handler.
func (a *Archive) Echo(ctx context.Context, req dimse.EchoRequest) error {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return errors.New("dimsetest: no listener registered")
	}
	return h.HandleEcho(ctx, req)
}

// Handler returns the handler registered through Serve.
func (a *Archive) Handler() dimse.SCPHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

func (a *Archive) Dials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *Archive) Requests() []dimse.AssociateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]dimse.AssociateRequest(nil), a.requests...)
}

func (a *Archive) FindKeys() []*dcm.Attributes {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*dcm.Attributes(nil), a.findKeys...)
}

func (a *Archive) MoveKeys() []*dcm.Attributes {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*dcm.Attributes(nil), a.moveKeys...)
}

// Delivered counts pending C-FIND responses handed to handlers.
func (a *Archive) Delivered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered
}

// Canceled reports whether any C-FIND was cancelled before it finished.
func (a *Archive) Canceled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

func (a *Archive) Releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

type association struct {
	archive *Archive
	remote  string
	wg      sync.WaitGroup
}

func (s *association) ReadyForDataTransfer() bool { return !s.archive.NotReady }
func (s *association) RemoteAETitle() string      { return s.remote }

func (s *association) CFind(ctx context.Context, sopClassUID string, keys *dcm.Attributes, handler dimse.ResponseHandler) error {
	a := s.archive
	a.mu.Lock()
	a.findKeys = append(a.findKeys, keys.Clone())
	results := append([]*dcm.Attributes(nil), a.FindResults...)
	a.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, r := range results {
			if ctx.Err() != nil {
				a.mu.Lock()
				a.canceled = true
				a.mu.Unlock()
				handler(dimse.Response{Command: command(dimse.StatusCancel)})
				return
			}
			a.mu.Lock()
			a.delivered++
			a.mu.Unlock()
			handler(dimse.Response{Command: command(dimse.StatusPending), Data: r.Clone()})
		}
		handler(dimse.Response{Command: command(dimse.StatusSuccess)})
	}()
	return nil
}

func (s *association) CMove(ctx context.Context, sopClassUID string, keys *dcm.Attributes, destination string, handler dimse.ResponseHandler) error {
	a := s.archive
	a.mu.Lock()
	a.moveKeys = append(a.moveKeys, keys.Clone())
	move := a.Move
	a.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if move == nil {
			handler(dimse.Response{Command: command(dimse.StatusSuccess)})
			return
		}
		rsps, err := move(ctx, keys, destination)
		if err != nil {
			cmd := command(dimse.StatusProcessingFail)
			cmd.SetString(dcm.ErrorComment, err.Error())
			handler(dimse.Response{Command: cmd})
			return
		}
		for _, r := range rsps {
			handler(r)
		}
	}()
	return nil
}

func (s *association) WaitForOutstandingResponses(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *association) Release() error {
	a := s.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released++
	return a.ReleaseErr
}

func command(status int) *dcm.Attributes {
	cmd := dcm.NewAttributes()
	cmd.SetInt(dcm.Status, status)
	return cmd
}

// MoveResponse builds a C-MOVE response carrying sub-operation counters.
func MoveResponse(status, remaining, completed, failed, warning int) dimse.Response {
	cmd := command(status)
	cmd.SetInt(dcm.NumberOfRemainingSuboperations, remaining)
	cmd.SetInt(dcm.NumberOfCompletedSuboperations, completed)
	cmd.SetInt(dcm.NumberOfFailedSuboperations, failed)
	cmd.SetInt(dcm.NumberOfWarningSuboperations, warning)
	return dimse.Response{Command: cmd}
}

// FailureResponse builds a failed terminal response with an error comment.
func FailureResponse(status int, comment string) dimse.Response {
	cmd := command(status)
	if comment != "" {
		cmd.SetString(dcm.ErrorComment, comment)
	}
	return dimse.Response{Command: cmd}
}

// Dataset is a canned inbound object.
type Dataset struct {
	Attrs   *dcm.Attributes
	Payload []byte
	// EncodeErr fails Encode after writing half the payload.
	EncodeErr error
}

// NewDataset builds an object identified by the three UIDs.
func NewDataset(study, series, instance string, payload []byte) *Dataset {
	attrs := dcm.NewAttributes()
	attrs.SetString(dcm.StudyInstanceUID, study)
	attrs.SetString(dcm.SeriesInstanceUID, series)
	attrs.SetString(dcm.SOPInstanceUID, instance)
	return &Dataset{Attrs: attrs, Payload: payload}
}

func (d *Dataset) String(tag dcm.Tag) string { return d.Attrs.String(tag) }

func (d *Dataset) Encode(w io.Writer, transferSyntax string) error {
	if d.EncodeErr != nil {
		_, _ = w.Write(d.Payload[:len(d.Payload)/2])
		return d.EncodeErr
	}
	_, err := w.Write(d.Payload)
	return err
}

// StoreRequest wraps ds into a C-STORE request.
func StoreRequest(ds *Dataset, sopClassUID, transferSyntax string) dimse.StoreRequest {
	return dimse.StoreRequest{
		CallingAETitle: "ARCHIVE",
		RemoteAddr:     "127.0.0.1:104",
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: ds.Attrs.String(dcm.SOPInstanceUID),
		TransferSyntax: transferSyntax,
		Dataset:        ds,
	}
}
