package netdimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
)

var (
	// ErrRejected is returned by Dial when the peer rejects the association.
	ErrRejected = errors.New("association rejected")
	// ErrAborted marks exchanges cut short by an A-ABORT or a broken connection.
	ErrAborted = errors.New("association aborted")
)

// queryOptions requests relational queries, combined date-time matching and
// fuzzy person name matching.
var queryOptions = []byte{1, 1, 1}

const requestContextID byte = 1

// Dial opens an association proposing req.AbstractSyntax.
func (t *Toolkit) Dial(ctx context.Context, req dimse.AssociateRequest) (dimse.Association, error) {
	d := net.Dialer{Timeout: t.ConnectTimeout}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.AssociateTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	syntaxes := req.TransferSyntaxes
	if len(syntaxes) == 0 {
		syntaxes = dimse.DefaultTransferSyntaxes
	}
	rq := associate{
		calledAETitle:   req.CalledAETitle,
		callingAETitle:  req.CallingAETitle,
		contexts:        []presentationContext{{id: requestContextID, abstractSyntax: req.AbstractSyntax, transferSyntaxes: syntaxes}},
		maxLength:       defaultMaxPDULength,
		implClassUID:    dcm.ImplementationClassUIDValue,
		implVersionName: dcm.ImplementationVersionNameValue,
	}
	if req.ExtendedNegotiation {
		rq.extended = []extendedNegotiation{{sopClassUID: req.AbstractSyntax, info: queryOptions}}
	}

	ac, err := negotiate(conn, rq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ts, err := acceptedSyntax(ac, requestContextID)
	if err != nil {
		_ = writePDU(conn, pduAbort, abortBody(0))
		conn.Close()
		return nil, err
	}
	explicit, err := explicitSyntax(ts)
	if err != nil {
		_ = writePDU(conn, pduAbort, abortBody(0))
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	a := &association{
		conn:           conn,
		link:           &link{w: conn, maxLength: ac.maxLength},
		logger:         t.logger(),
		remoteAE:       req.CalledAETitle,
		explicit:       explicit,
		releaseTimeout: t.ReleaseTimeout,
		exchanges:      make(map[uint16]*exchange),
		closed:         make(chan struct{}),
	}
	a.ready.Store(true)
	go a.readLoop()
	return a, nil
}

func negotiate(conn net.Conn, rq associate) (associate, error) {
	if err := writePDU(conn, pduAssociateRQ, rq.encode(pduAssociateRQ)); err != nil {
		return associate{}, fmt.Errorf("send associate request: %w", err)
	}
	reply, err := readPDU(conn)
	if err != nil {
		return associate{}, fmt.Errorf("read associate response: %w", err)
	}
	switch reply.typ {
	case pduAssociateAC:
		return decodeAssociate(reply.body)
	case pduAssociateRJ:
		if len(reply.body) == 4 {
			return associate{}, fmt.Errorf("%w: result %d source %d reason %d", ErrRejected, reply.body[1], reply.body[2], reply.body[3])
		}
		return associate{}, ErrRejected
	case pduAbort:
		return associate{}, fmt.Errorf("%w during negotiation", ErrAborted)
	default:
		return associate{}, fmt.Errorf("unexpected pdu 0x%02x during negotiation", reply.typ)
	}
}

func acceptedSyntax(ac associate, id byte) (string, error) {
	for _, pc := range ac.contexts {
		if pc.id != id {
			continue
		}
		if pc.result != resultAcceptance || len(pc.transferSyntaxes) == 0 {
			return "", fmt.Errorf("%w: presentation context %d result %d", ErrRejected, id, pc.result)
		}
		return pc.transferSyntaxes[0], nil
	}
	return "", fmt.Errorf("%w: presentation context %d missing from response", ErrRejected, id)
}

type exchange struct {
	handler   dimse.ResponseHandler
	cancelled bool
	stop      func() bool
}

// association is the requestor side of one association.
type association struct {
	conn           net.Conn
	link           *link
	logger         *logrus.Logger
	remoteAE       string
	explicit       bool
	releaseTimeout time.Duration

	ready     atomic.Bool
	releasing atomic.Bool

	mu        sync.Mutex
	nextID    uint16
	exchanges map[uint16]*exchange
	wg        sync.WaitGroup
	closed    chan struct{}
}

func (a *association) ReadyForDataTransfer() bool { return a.ready.Load() }
func (a *association) RemoteAETitle() string      { return a.remoteAE }

func (a *association) CFind(ctx context.Context, sopClassUID string, keys *dcm.Attributes, handler dimse.ResponseHandler) error {
	return a.request(ctx, cFindRQ, sopClassUID, keys, "", handler)
}

func (a *association) CMove(ctx context.Context, sopClassUID string, keys *dcm.Attributes, destination string, handler dimse.ResponseHandler) error {
	return a.request(ctx, cMoveRQ, sopClassUID, keys, destination, handler)
}

func (a *association) request(ctx context.Context, field int, sopClassUID string, keys *dcm.Attributes, destination string, handler dimse.ResponseHandler) error {
	if !a.ready.Load() {
		return ErrAborted
	}
	data, err := encodeDataset(keys, a.explicit)
	if err != nil {
		return fmt.Errorf("encode identifier: %w", err)
	}

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ex := &exchange{handler: handler}
	a.exchanges[id] = ex
	a.wg.Add(1)
	a.mu.Unlock()

	cmd := dcm.NewAttributes()
	cmd.SetString(dcm.AffectedSOPClassUID, sopClassUID)
	cmd.SetInt(dcm.CommandField, field)
	cmd.SetInt(dcm.MessageID, int(id))
	cmd.SetInt(dcm.Priority, priorityMedium)
	if destination != "" {
		cmd.SetString(dcm.MoveDestination, destination)
	}
	if err := a.link.send(requestContextID, cmd, data); err != nil {
		a.forget(id)
		return fmt.Errorf("send request: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { a.cancel(id) })
	a.mu.Lock()
	if _, live := a.exchanges[id]; live {
		ex.stop = stop
	} else {
		stop()
	}
	a.mu.Unlock()
	return nil
}

// cancel sends C-CANCEL for id and drops its remaining pending responses.
func (a *association) cancel(id uint16) {
	a.mu.Lock()
	ex, ok := a.exchanges[id]
	if ok {
		ex.cancelled = true
	}
	a.mu.Unlock()
	if !ok || !a.ready.Load() {
		return
	}

	cmd := dcm.NewAttributes()
	cmd.SetInt(dcm.CommandField, cCancelRQ)
	cmd.SetInt(dcm.MessageIDBeingRespondedTo, int(id))
	if err := a.link.send(requestContextID, cmd, nil); err != nil {
		a.logger.WithFields(logrus.Fields{"action": "dimse_cancel", "remote_ae": a.remoteAE, "message_id": id}).
			WithError(err).Warn("send C-CANCEL failed")
	}
}

// forget removes an exchange and reports whether it was still registered.
func (a *association) forget(id uint16) bool {
	a.mu.Lock()
	ex, ok := a.exchanges[id]
	delete(a.exchanges, id)
	a.mu.Unlock()
	if !ok {
		return false
	}
	if ex.stop != nil {
		ex.stop()
	}
	a.wg.Done()
	return true
}

func (a *association) WaitForOutstandingResponses(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *association) Release() error {
	defer a.conn.Close()
	if !a.ready.Load() {
		return ErrAborted
	}
	a.releasing.Store(true)
	if err := a.link.writePDU(pduReleaseRQ, make([]byte, 4)); err != nil {
		return fmt.Errorf("send release request: %w", err)
	}
	timer := time.NewTimer(a.releaseTimeout)
	defer timer.Stop()
	select {
	case <-a.closed:
		return nil
	case <-timer.C:
		return errors.New("timed out waiting for release response")
	}
}

func (a *association) readLoop() {
	defer close(a.closed)
	var asm assembler
	for {
		p, err := readPDU(a.conn)
		if err != nil {
			if a.releasing.Load() {
				a.shutdown(nil)
			} else {
				a.shutdown(fmt.Errorf("%w: %v", ErrAborted, err))
			}
			return
		}
		switch p.typ {
		case pduPData:
			pdvs, err := decodePData(p.body)
			if err != nil {
				a.abort(err)
				return
			}
			for _, v := range pdvs {
				msg, err := asm.add(v)
				if err != nil {
					a.abort(err)
					return
				}
				if msg != nil {
					a.dispatch(msg)
				}
			}
		case pduReleaseRP:
			a.shutdown(nil)
			return
		case pduReleaseRQ:
			_ = a.link.writePDU(pduReleaseRP, make([]byte, 4))
			a.shutdown(fmt.Errorf("%w: peer released the association", ErrAborted))
			return
		case pduAbort:
			a.shutdown(fmt.Errorf("%w by peer", ErrAborted))
			return
		default:
			a.abort(fmt.Errorf("unexpected pdu 0x%02x", p.typ))
			return
		}
	}
}

func (a *association) dispatch(msg *message) {
	fields := logrus.Fields{"action": "dimse_response", "remote_ae": a.remoteAE}
	id := msg.command.IntOr(dcm.MessageIDBeingRespondedTo, -1)
	a.mu.Lock()
	ex := a.exchanges[uint16(id)]
	a.mu.Unlock()
	if id < 0 || ex == nil {
		a.logger.WithFields(fields).WithField("message_id", id).Warn("response for unknown message")
		return
	}

	rsp := dimse.Response{Command: msg.command}
	if msg.data != nil {
		data, err := decodeDataset(msg.data, a.explicit)
		if err != nil {
			a.logger.WithFields(fields).WithError(err).Warn("undecodable response identifier")
		} else {
			rsp.Data = data
		}
	}

	if dimse.IsPending(rsp.Status()) {
		a.mu.Lock()
		cancelled := ex.cancelled
		a.mu.Unlock()
		if !cancelled {
			ex.handler(rsp)
		}
		return
	}
	ex.handler(rsp)
	a.forget(uint16(id))
}

func (a *association) abort(cause error) {
	_ = a.link.writePDU(pduAbort, abortBody(0))
	a.shutdown(fmt.Errorf("%w: %v", ErrAborted, cause))
}

// shutdown closes the connection and finishes every open exchange with a
// failure response so waiters are released.
func (a *association) shutdown(cause error) {
	a.ready.Store(false)
	a.conn.Close()

	a.mu.Lock()
	open := a.exchanges
	a.exchanges = make(map[uint16]*exchange)
	a.mu.Unlock()

	for _, ex := range open {
		if ex.stop != nil {
			ex.stop()
		}
		if cause == nil {
			cause = ErrAborted
		}
		cmd := dcm.NewAttributes()
		cmd.SetInt(dcm.Status, dimse.StatusProcessingFail)
		cmd.SetString(dcm.ErrorComment, cause.Error())
		ex.handler(dimse.Response{Command: cmd})
		a.wg.Done()
	}
	if cause != nil && len(open) > 0 {
		a.logger.WithFields(logrus.Fields{"action": "dimse_abort", "remote_ae": a.remoteAE, "open_exchanges": len(open)}).
			WithError(cause).Warn("association ended with open exchanges")
	}
}
