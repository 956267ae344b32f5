package netdimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
)

const storageClassPrefix = "1.2.840.10008.5.1.4.1.1."

// Serve accepts associations on cfg.Port until ctx is done. Open
// associations are closed and their handlers awaited before Serve returns.
func (t *Toolkit) Serve(ctx context.Context, cfg dimse.ListenConfig, handler dimse.SCPHandler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger := t.logger()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &scpAssociation{
				toolkit: t,
				cfg:     cfg,
				handler: handler,
				conn:    conn,
				logger:  logger,
			}
			s.run(ctx)
		}()
	}
}

// scpAssociation is the acceptor side of one association.
type scpAssociation struct {
	toolkit *Toolkit
	cfg     dimse.ListenConfig
	handler dimse.SCPHandler
	conn    net.Conn
	logger  *logrus.Logger

	link     *link
	calling  string
	contexts map[byte]acceptedContext
}

type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
	explicit       bool
}

func (s *scpAssociation) fields() logrus.Fields {
	return logrus.Fields{
		"action":      "dimse_scp",
		"calling_ae":  s.calling,
		"remote_addr": s.conn.RemoteAddr().String(),
	}
}

func (s *scpAssociation) run(ctx context.Context) {
	defer s.conn.Close()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	_ = s.conn.SetDeadline(time.Now().Add(s.toolkit.AssociateTimeout))
	if !s.accept() {
		return
	}

	var asm assembler
	for {
		if s.toolkit.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.toolkit.IdleTimeout))
		}
		p, err := readPDU(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.WithFields(s.fields()).WithError(err).Warn("association read failed")
			}
			return
		}
		switch p.typ {
		case pduPData:
			pdvs, err := decodePData(p.body)
			if err != nil {
				s.abort(err)
				return
			}
			for _, v := range pdvs {
				msg, err := asm.add(v)
				if err != nil {
					s.abort(err)
					return
				}
				if msg == nil {
					continue
				}
				if err := s.serve(ctx, msg); err != nil {
					s.abort(err)
					return
				}
			}
		case pduReleaseRQ:
			_ = s.link.writePDU(pduReleaseRP, make([]byte, 4))
			return
		case pduAbort:
			return
		default:
			s.abort(fmt.Errorf("unexpected pdu 0x%02x", p.typ))
			return
		}
	}
}

// accept negotiates the association and reports whether it was accepted.
func (s *scpAssociation) accept() bool {
	p, err := readPDU(s.conn)
	if err != nil {
		return false
	}
	if p.typ != pduAssociateRQ {
		_ = writePDU(s.conn, pduAbort, abortBody(0))
		return false
	}
	rq, err := decodeAssociate(p.body)
	if err != nil {
		_ = writePDU(s.conn, pduAssociateRJ, rejectBody(1, 1, 1))
		return false
	}
	s.calling = rq.callingAETitle
	if s.cfg.AETitle != "" && rq.calledAETitle != s.cfg.AETitle {
		s.logger.WithFields(s.fields()).WithField("called_ae", rq.calledAETitle).Warn("association for unknown called AE title rejected")
		_ = writePDU(s.conn, pduAssociateRJ, rejectBody(1, 1, 7))
		return false
	}

	ac := associate{
		calledAETitle:   rq.calledAETitle,
		callingAETitle:  rq.callingAETitle,
		maxLength:       defaultMaxPDULength,
		implClassUID:    dcm.ImplementationClassUIDValue,
		implVersionName: dcm.ImplementationVersionNameValue,
	}
	s.contexts = make(map[byte]acceptedContext)
	for _, pc := range rq.contexts {
		reply := presentationContext{id: pc.id, result: resultAbstractSyntaxNotSupported}
		if s.acceptsAbstract(pc.abstractSyntax) {
			reply.result = resultTransferSyntaxNotSupported
			if ts, explicit, ok := s.pickTransferSyntax(pc.transferSyntaxes); ok {
				reply.result = resultAcceptance
				reply.transferSyntaxes = []string{ts}
				s.contexts[pc.id] = acceptedContext{abstractSyntax: pc.abstractSyntax, transferSyntax: ts, explicit: explicit}
			}
		}
		ac.contexts = append(ac.contexts, reply)
	}
	if len(s.contexts) == 0 {
		s.logger.WithFields(s.fields()).Warn("association without acceptable presentation contexts rejected")
		_ = writePDU(s.conn, pduAssociateRJ, rejectBody(1, 1, 1))
		return false
	}

	s.link = &link{w: s.conn, maxLength: rq.maxLength}
	if err := s.link.writePDU(pduAssociateAC, ac.encode(pduAssociateAC)); err != nil {
		return false
	}
	_ = s.conn.SetDeadline(time.Time{})
	return true
}

func (s *scpAssociation) acceptsAbstract(uid string) bool {
	if len(s.cfg.SOPClasses) == 0 {
		return uid == dcm.VerificationSOPClass || strings.HasPrefix(uid, storageClassPrefix)
	}
	for _, c := range s.cfg.SOPClasses {
		if c == uid {
			return true
		}
	}
	return false
}

// pickTransferSyntax takes the first configured syntax the requestor offered
// that this driver can decode.
func (s *scpAssociation) pickTransferSyntax(offered []string) (string, bool, bool) {
	ours := s.cfg.TransferSyntaxes
	if len(ours) == 0 {
		ours = dimse.DefaultTransferSyntaxes
	}
	for _, ts := range ours {
		explicit, err := explicitSyntax(ts)
		if err != nil {
			continue
		}
		for _, o := range offered {
			if o == ts {
				return ts, explicit, true
			}
		}
	}
	return "", false, false
}

func (s *scpAssociation) abort(cause error) {
	s.logger.WithFields(s.fields()).WithError(cause).Warn("association aborted")
	_ = s.link.writePDU(pduAbort, abortBody(0))
}

func (s *scpAssociation) serve(ctx context.Context, msg *message) error {
	pc, ok := s.contexts[msg.contextID]
	if !ok {
		return fmt.Errorf("message on unaccepted presentation context %d", msg.contextID)
	}
	switch msg.field() {
	case cStoreRQ:
		return s.store(ctx, pc, msg)
	case cEchoRQ:
		return s.echo(ctx, msg)
	default:
		rsp := responseFor(msg, msg.field()|0x8000)
		rsp.SetInt(dcm.Status, dimse.StatusUnrecognizedOperation)
		return s.link.send(msg.contextID, rsp, nil)
	}
}

func (s *scpAssociation) echo(ctx context.Context, msg *message) error {
	status := dimse.StatusSuccess
	err := s.handler.HandleEcho(ctx, dimse.EchoRequest{
		CallingAETitle: s.calling,
		RemoteAddr:     s.conn.RemoteAddr().String(),
	})
	if err != nil {
		s.logger.WithFields(s.fields()).WithError(err).Warn("C-ECHO handler failed")
		status = dimse.StatusProcessingFail
	}
	rsp := responseFor(msg, cEchoRSP)
	rsp.SetInt(dcm.Status, status)
	return s.link.send(msg.contextID, rsp, nil)
}

func (s *scpAssociation) store(ctx context.Context, pc acceptedContext, msg *message) error {
	rsp := responseFor(msg, cStoreRSP)
	instanceUID := msg.command.String(dcm.AffectedSOPInstanceUID)
	rsp.SetString(dcm.AffectedSOPInstanceUID, instanceUID)
	fields := s.fields()
	fields["sop_instance_uid"] = instanceUID

	if msg.data == nil {
		rsp.SetInt(dcm.Status, dimse.StatusCannotUnderstand)
		rsp.SetString(dcm.ErrorComment, "C-STORE without dataset")
		return s.link.send(msg.contextID, rsp, nil)
	}
	attrs, err := decodeDataset(msg.data, pc.explicit)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("undecodable C-STORE dataset")
		rsp.SetInt(dcm.Status, dimse.StatusCannotUnderstand)
		rsp.SetString(dcm.ErrorComment, err.Error())
		return s.link.send(msg.contextID, rsp, nil)
	}

	classUID := msg.command.String(dcm.AffectedSOPClassUID)
	if classUID == "" {
		classUID = pc.abstractSyntax
	}
	err = s.handler.HandleStore(ctx, dimse.StoreRequest{
		CallingAETitle: s.calling,
		RemoteAddr:     s.conn.RemoteAddr().String(),
		SOPClassUID:    classUID,
		SOPInstanceUID: instanceUID,
		TransferSyntax: pc.transferSyntax,
		Dataset:        &storedDataset{attrs: attrs, raw: msg.data, explicit: pc.explicit},
	})
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("C-STORE handler failed")
		rsp.SetInt(dcm.Status, dimse.StatusUnableToStore)
		rsp.SetString(dcm.ErrorComment, truncateComment(err.Error()))
	} else {
		rsp.SetInt(dcm.Status, dimse.StatusSuccess)
	}
	return s.link.send(msg.contextID, rsp, nil)
}

func responseFor(msg *message, field int) *dcm.Attributes {
	rsp := dcm.NewAttributes()
	if uid := msg.command.String(dcm.AffectedSOPClassUID); uid != "" {
		rsp.SetString(dcm.AffectedSOPClassUID, uid)
	}
	rsp.SetInt(dcm.CommandField, field)
	rsp.SetInt(dcm.MessageIDBeingRespondedTo, msg.command.IntOr(dcm.MessageID, 0))
	return rsp
}

// truncateComment keeps an ErrorComment within the LO limit.
func truncateComment(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}

// storedDataset is a received C-STORE dataset kept in its wire encoding.
type storedDataset struct {
	attrs    *dcm.Attributes
	raw      []byte
	explicit bool
}

func (d *storedDataset) String(tag dcm.Tag) string {
	return d.attrs.String(tag)
}

func (d *storedDataset) Encode(w io.Writer, transferSyntax string) error {
	explicit, err := explicitSyntax(transferSyntax)
	if err != nil {
		return err
	}
	out := d.raw
	if explicit != d.explicit {
		out, err = transcode(d.raw, d.explicit, explicit)
		if err != nil {
			return fmt.Errorf("transcode dataset: %w", err)
		}
	}
	_, err = w.Write(out)
	return err
}
