package netdimse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// DIMSE command fields.
const (
	cStoreRQ  = 0x0001
	cStoreRSP = 0x8001
	cFindRQ   = 0x0020
	cFindRSP  = 0x8020
	cMoveRQ   = 0x0021
	cMoveRSP  = 0x8021
	cEchoRQ   = 0x0030
	cEchoRSP  = 0x8030
	cCancelRQ = 0x0FFF

	// noDataSet is the CommandDataSetType value for a command without a
	// dataset.
	noDataSet  = 0x0101
	hasDataSet = 0x0000

	priorityMedium = 0x0000
)

// message is one reassembled DIMSE message.
type message struct {
	contextID byte
	command   *dcm.Attributes
	data      []byte
}

func (m message) field() int {
	return m.command.IntOr(dcm.CommandField, -1)
}

// assembler joins PDV fragments into messages.
type assembler struct {
	contextID byte
	command   bytes.Buffer
	data      bytes.Buffer
	cmd       *dcm.Attributes
}

// add consumes one fragment and returns a message once it is complete.
func (a *assembler) add(p pdv) (*message, error) {
	if a.cmd == nil && a.command.Len() == 0 && a.data.Len() == 0 {
		a.contextID = p.contextID
	}
	if p.contextID != a.contextID {
		return nil, fmt.Errorf("fragment for context %d while assembling context %d", p.contextID, a.contextID)
	}

	if p.command {
		if a.cmd != nil {
			return nil, errors.New("command fragment after the command set ended")
		}
		a.command.Write(p.data)
		if !p.last {
			return nil, nil
		}
		cmd, err := decodeDataset(a.command.Bytes(), false)
		if err != nil {
			return nil, fmt.Errorf("decode command set: %w", err)
		}
		if cmd.IntOr(dcm.CommandDataSetType, noDataSet) == noDataSet {
			return a.finish(cmd, nil), nil
		}
		a.cmd = cmd
		return nil, nil
	}

	if a.cmd == nil {
		return nil, errors.New("data fragment before the command set")
	}
	a.data.Write(p.data)
	if !p.last {
		return nil, nil
	}
	data := append([]byte(nil), a.data.Bytes()...)
	return a.finish(a.cmd, data), nil
}

func (a *assembler) finish(cmd *dcm.Attributes, data []byte) *message {
	msg := &message{contextID: a.contextID, command: cmd, data: data}
	a.command.Reset()
	a.data.Reset()
	a.cmd = nil
	return msg
}

// link serializes writes to one association's connection.
type link struct {
	w io.Writer
	// maxLength is the peer's maximum P-DATA variable field; zero means
	// unlimited.
	maxLength uint32

	mu sync.Mutex
}

func (l *link) writePDU(typ byte, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return writePDU(l.w, typ, body)
}

// send writes a command set and optional dataset as P-DATA-TF PDUs,
// fragmented to the peer's maximum length.
func (l *link) send(contextID byte, cmd *dcm.Attributes, data []byte) error {
	if data == nil {
		cmd.SetInt(dcm.CommandDataSetType, noDataSet)
	} else {
		cmd.SetInt(dcm.CommandDataSetType, hasDataSet)
	}
	command, err := encodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command set: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fragments(contextID, true, command); err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return l.fragments(contextID, false, data)
}

func (l *link) fragments(contextID byte, command bool, payload []byte) error {
	chunk := defaultMaxPDULength - 6
	if l.maxLength > 6 && int(l.maxLength)-6 < chunk {
		chunk = int(l.maxLength) - 6
	}
	for {
		n := min(len(payload), chunk)
		last := n == len(payload)
		body := encodePDV(pdv{contextID: contextID, command: command, last: last, data: payload[:n]})
		if err := writePDU(l.w, pduPData, body); err != nil {
			return err
		}
		if last {
			return nil
		}
		payload = payload[n:]
	}
}
