package netdimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDU types of the DICOM upper layer protocol.
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduPData       byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Item types inside association PDUs.
const (
	itemApplicationContext  byte = 0x10
	itemPresentationRQ      byte = 0x20
	itemPresentationAC      byte = 0x21
	itemAbstractSyntax      byte = 0x30
	itemTransferSyntax      byte = 0x40
	itemUserInformation     byte = 0x50
	itemMaximumLength       byte = 0x51
	itemImplementationClass byte = 0x52
	itemImplementationName  byte = 0x55
	itemExtendedNegotiation byte = 0x56
)

// Presentation context results.
const (
	resultAcceptance                 byte = 0
	resultAbstractSyntaxNotSupported byte = 3
	resultTransferSyntaxNotSupported byte = 4
)

const (
	applicationContextName = "1.2.840.10008.3.1.1.1"
	protocolVersion        = 0x0001

	// defaultMaxPDULength is the largest P-DATA variable field we ask peers
	// to send.
	defaultMaxPDULength = 1 << 16
	// maxReadPDULength bounds a single inbound PDU.
	maxReadPDULength = 1 << 26
)

var errPDUTooLarge = errors.New("pdu exceeds size limit")

type pdu struct {
	typ  byte
	body []byte
}

func readPDU(r io.Reader) (pdu, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return pdu{}, err
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > maxReadPDULength {
		return pdu{}, fmt.Errorf("%w: type 0x%02x length %d", errPDUTooLarge, hdr[0], length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return pdu{}, err
	}
	return pdu{typ: hdr[0], body: body}, nil
}

func writePDU(w io.Writer, typ byte, body []byte) error {
	buf := make([]byte, 6+len(body))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[6:], body)
	_, err := w.Write(buf)
	return err
}

type presentationContext struct {
	id               byte
	result           byte
	abstractSyntax   string
	transferSyntaxes []string
}

type extendedNegotiation struct {
	sopClassUID string
	info        []byte
}

// associate is the common body of A-ASSOCIATE-RQ and A-ASSOCIATE-AC.
type associate struct {
	calledAETitle   string
	callingAETitle  string
	contexts        []presentationContext
	maxLength       uint32
	implClassUID    string
	implVersionName string
	extended        []extendedNegotiation
}

func (a associate) encode(typ byte) []byte {
	var buf bytes.Buffer
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], protocolVersion)
	buf.Write(u16[:])
	buf.Write([]byte{0, 0})
	buf.Write(aeField(a.calledAETitle))
	buf.Write(aeField(a.callingAETitle))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(applicationContextName))
	for _, pc := range a.contexts {
		var sub bytes.Buffer
		sub.Write([]byte{pc.id, 0, pc.result, 0})
		if typ == pduAssociateRQ {
			writeItem(&sub, itemAbstractSyntax, []byte(pc.abstractSyntax))
			for _, ts := range pc.transferSyntaxes {
				writeItem(&sub, itemTransferSyntax, []byte(ts))
			}
			writeItem(&buf, itemPresentationRQ, sub.Bytes())
			continue
		}
		ts := ""
		if len(pc.transferSyntaxes) > 0 {
			ts = pc.transferSyntaxes[0]
		}
		writeItem(&sub, itemTransferSyntax, []byte(ts))
		writeItem(&buf, itemPresentationAC, sub.Bytes())
	}

	var user bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], a.maxLength)
	writeItem(&user, itemMaximumLength, u32[:])
	if a.implClassUID != "" {
		writeItem(&user, itemImplementationClass, []byte(a.implClassUID))
	}
	for _, ext := range a.extended {
		var sub bytes.Buffer
		binary.BigEndian.PutUint16(u16[:], uint16(len(ext.sopClassUID)))
		sub.Write(u16[:])
		sub.WriteString(ext.sopClassUID)
		sub.Write(ext.info)
		writeItem(&user, itemExtendedNegotiation, sub.Bytes())
	}
	if a.implVersionName != "" {
		writeItem(&user, itemImplementationName, []byte(a.implVersionName))
	}
	writeItem(&buf, itemUserInformation, user.Bytes())
	return buf.Bytes()
}

func decodeAssociate(body []byte) (associate, error) {
	if len(body) < 68 {
		return associate{}, fmt.Errorf("associate pdu too short: %d bytes", len(body))
	}
	a := associate{
		calledAETitle:  strings.TrimSpace(string(body[4:20])),
		callingAETitle: strings.TrimSpace(string(body[20:36])),
	}
	err := walkItems(body[68:], func(typ byte, value []byte) error {
		switch typ {
		case itemPresentationRQ, itemPresentationAC:
			pc, err := decodePresentationContext(value)
			if err != nil {
				return err
			}
			a.contexts = append(a.contexts, pc)
		case itemUserInformation:
			return walkItems(value, func(sub byte, v []byte) error {
				switch sub {
				case itemMaximumLength:
					if len(v) != 4 {
						return fmt.Errorf("maximum length item of %d bytes", len(v))
					}
					a.maxLength = binary.BigEndian.Uint32(v)
				case itemImplementationClass:
					a.implClassUID = trimUID(v)
				case itemImplementationName:
					a.implVersionName = strings.TrimSpace(string(v))
				case itemExtendedNegotiation:
					if len(v) < 2 || int(binary.BigEndian.Uint16(v))+2 > len(v) {
						return errors.New("malformed extended negotiation item")
					}
					n := int(binary.BigEndian.Uint16(v))
					a.extended = append(a.extended, extendedNegotiation{
						sopClassUID: trimUID(v[2 : 2+n]),
						info:        append([]byte(nil), v[2+n:]...),
					})
				}
				return nil
			})
		}
		return nil
	})
	return a, err
}

func decodePresentationContext(value []byte) (presentationContext, error) {
	if len(value) < 4 {
		return presentationContext{}, errors.New("presentation context item too short")
	}
	pc := presentationContext{id: value[0], result: value[2]}
	err := walkItems(value[4:], func(typ byte, v []byte) error {
		switch typ {
		case itemAbstractSyntax:
			pc.abstractSyntax = trimUID(v)
		case itemTransferSyntax:
			pc.transferSyntaxes = append(pc.transferSyntaxes, trimUID(v))
		}
		return nil
	})
	return pc, err
}

func walkItems(b []byte, fn func(typ byte, value []byte) error) error {
	for len(b) > 0 {
		if len(b) < 4 {
			return errors.New("truncated item header")
		}
		n := int(binary.BigEndian.Uint16(b[2:4]))
		if 4+n > len(b) {
			return fmt.Errorf("item 0x%02x overruns pdu", b[0])
		}
		if err := fn(b[0], b[4:4+n]); err != nil {
			return err
		}
		b = b[4+n:]
	}
	return nil
}

func writeItem(buf *bytes.Buffer, typ byte, value []byte) {
	var hdr [4]byte
	hdr[0] = typ
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

func aeField(title string) []byte {
	out := bytes.Repeat([]byte{' '}, 16)
	copy(out, title)
	return out
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

// rejectBody builds an A-ASSOCIATE-RJ body.
func rejectBody(result, source, reason byte) []byte {
	return []byte{0, result, source, reason}
}

// abortBody builds an A-ABORT body with the service-provider source.
func abortBody(reason byte) []byte {
	return []byte{0, 0, 2, reason}
}

// pdv is one presentation data value of a P-DATA-TF PDU.
type pdv struct {
	contextID byte
	command   bool
	last      bool
	data      []byte
}

func decodePData(body []byte) ([]pdv, error) {
	var out []pdv
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, errors.New("truncated pdv item")
		}
		n := int(binary.BigEndian.Uint32(body[0:4]))
		if n < 2 || 4+n > len(body) {
			return nil, fmt.Errorf("pdv item length %d overruns pdu", n)
		}
		header := body[5]
		out = append(out, pdv{
			contextID: body[4],
			command:   header&0x01 != 0,
			last:      header&0x02 != 0,
			data:      body[6 : 4+n],
		})
		body = body[4+n:]
	}
	return out, nil
}

func encodePDV(p pdv) []byte {
	buf := make([]byte, 6+len(p.data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.data)+2))
	buf[4] = p.contextID
	if p.command {
		buf[5] |= 0x01
	}
	if p.last {
		buf[5] |= 0x02
	}
	copy(buf[6:], p.data)
	return buf
}
