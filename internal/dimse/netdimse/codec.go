package netdimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

const undefinedLength = 0xFFFFFFFF

const (
	itemTag          dcm.Tag = 0xFFFEE000
	itemDelimiterTag dcm.Tag = 0xFFFEE00D
	seqDelimiterTag  dcm.Tag = 0xFFFEE0DD
)

var errUnsupportedSyntax = errors.New("unsupported transfer syntax")

// explicitSyntax reports whether ts is one of the little endian syntaxes
// this driver encodes, and whether it carries explicit VRs.
func explicitSyntax(ts string) (explicit bool, err error) {
	switch ts {
	case dcm.ExplicitVRLittleEndian:
		return true, nil
	case dcm.ImplicitVRLittleEndian:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", errUnsupportedSyntax, ts)
}

type header struct {
	tag    dcm.Tag
	vr     dcm.VR
	length uint32
}

// reader walks a little endian dataset.
type reader struct {
	buf      []byte
	pos      int
	explicit bool
}

func (r *reader) header() (header, error) {
	if len(r.buf)-r.pos < 8 {
		return header{}, fmt.Errorf("truncated element header at offset %d", r.pos)
	}
	b := r.buf[r.pos:]
	h := header{tag: dcm.NewTag(binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4]))}
	switch {
	case h.tag.Group() == 0xFFFE:
		h.length = binary.LittleEndian.Uint32(b[4:8])
		r.pos += 8
	case r.explicit:
		h.vr = dcm.VR(b[4:6])
		if h.vr.LongLength() {
			if len(b) < 12 {
				return header{}, fmt.Errorf("truncated element header at offset %d", r.pos)
			}
			h.length = binary.LittleEndian.Uint32(b[8:12])
			r.pos += 12
		} else {
			h.length = uint32(binary.LittleEndian.Uint16(b[6:8]))
			r.pos += 8
		}
	default:
		h.vr = dcm.VROf(h.tag)
		h.length = binary.LittleEndian.Uint32(b[4:8])
		r.pos += 8
	}
	return h, nil
}

func (r *reader) take(n uint32) ([]byte, error) {
	if uint64(len(r.buf)-r.pos) < uint64(n) {
		return nil, fmt.Errorf("value of %d bytes overruns dataset at offset %d", n, r.pos)
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

// isSequence treats undefined length non pixel elements as sequences, which
// covers implicit VR datasets whose private sequences are missing from the
// dictionary.
func isSequence(h header) bool {
	return h.vr == dcm.VRSQ || (h.length == undefinedLength && h.tag != dcm.PixelData)
}

// decodeDataset parses a dataset into attributes. Binary values are kept as
// present-but-empty elements since the broker never inspects them.
func decodeDataset(b []byte, explicit bool) (*dcm.Attributes, error) {
	r := &reader{buf: b, explicit: explicit}
	attrs, _, err := r.attributes(len(b))
	return attrs, err
}

// attributes reads elements until end or an item delimiter, which it reports.
func (r *reader) attributes(end int) (*dcm.Attributes, bool, error) {
	attrs := dcm.NewAttributes()
	for r.pos < end {
		h, err := r.header()
		if err != nil {
			return nil, false, err
		}
		if h.tag == itemDelimiterTag {
			return attrs, true, nil
		}
		if isSequence(h) {
			items, err := r.items(h.length)
			if err != nil {
				return nil, false, fmt.Errorf("sequence %s: %w", h.tag, err)
			}
			attrs.Put(&dcm.Element{Tag: h.tag, VR: dcm.VRSQ, Items: items})
			continue
		}
		if h.length == undefinedLength {
			if err := r.skipFragments(); err != nil {
				return nil, false, err
			}
			attrs.Put(&dcm.Element{Tag: h.tag, VR: h.vr})
			continue
		}
		value, err := r.take(h.length)
		if err != nil {
			return nil, false, err
		}
		values, err := decodeValues(h.vr, value)
		if err != nil {
			return nil, false, fmt.Errorf("element %s: %w", h.tag, err)
		}
		attrs.Put(&dcm.Element{Tag: h.tag, VR: h.vr, Values: values})
	}
	return attrs, false, nil
}

func (r *reader) items(length uint32) ([]*dcm.Attributes, error) {
	end := len(r.buf)
	if length != undefinedLength {
		end = r.pos + int(length)
		if end > len(r.buf) {
			return nil, errors.New("sequence overruns dataset")
		}
	}
	var items []*dcm.Attributes
	for r.pos < end {
		h, err := r.header()
		if err != nil {
			return nil, err
		}
		if h.tag == seqDelimiterTag {
			return items, nil
		}
		if h.tag != itemTag {
			return nil, fmt.Errorf("unexpected %s inside sequence", h.tag)
		}
		itemEnd := len(r.buf)
		if h.length != undefinedLength {
			itemEnd = r.pos + int(h.length)
		}
		item, _, err := r.attributes(itemEnd)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// skipFragments steps over encapsulated pixel data.
func (r *reader) skipFragments() error {
	for {
		h, err := r.header()
		if err != nil {
			return err
		}
		if h.tag == seqDelimiterTag {
			return nil
		}
		if _, err := r.take(h.length); err != nil {
			return err
		}
	}
}

func decodeValues(vr dcm.VR, b []byte) ([]string, error) {
	if len(b) == 0 || vr.Binary() {
		return nil, nil
	}
	var out []string
	switch vr {
	case dcm.VRUS, dcm.VRSS:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("%s value of %d bytes", vr, len(b))
		}
		for i := 0; i < len(b); i += 2 {
			v := binary.LittleEndian.Uint16(b[i:])
			if vr == dcm.VRSS {
				out = append(out, strconv.Itoa(int(int16(v))))
			} else {
				out = append(out, strconv.Itoa(int(v)))
			}
		}
	case dcm.VRUL, dcm.VRSL, dcm.VRFL, dcm.VRAT:
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("%s value of %d bytes", vr, len(b))
		}
		for i := 0; i < len(b); i += 4 {
			v := binary.LittleEndian.Uint32(b[i:])
			switch vr {
			case dcm.VRSL:
				out = append(out, strconv.Itoa(int(int32(v))))
			case dcm.VRFL:
				out = append(out, strconv.FormatFloat(float64(math.Float32frombits(v)), 'g', -1, 32))
			case dcm.VRAT:
				out = append(out, dcm.NewTag(uint16(v), uint16(v>>16)).String())
			default:
				out = append(out, strconv.FormatUint(uint64(v), 10))
			}
		}
	case dcm.VRFD, dcm.VRSV, dcm.VRUV:
		if len(b)%8 != 0 {
			return nil, fmt.Errorf("%s value of %d bytes", vr, len(b))
		}
		for i := 0; i < len(b); i += 8 {
			v := binary.LittleEndian.Uint64(b[i:])
			switch vr {
			case dcm.VRSV:
				out = append(out, strconv.FormatInt(int64(v), 10))
			case dcm.VRUV:
				out = append(out, strconv.FormatUint(v, 10))
			default:
				out = append(out, strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64))
			}
		}
	case dcm.VRLT, dcm.VRST, dcm.VRUT, dcm.VRUR:
		out = []string{strings.TrimRight(string(b), "\x00 ")}
	default:
		for _, v := range strings.Split(string(b), `\`) {
			out = append(out, strings.TrimSpace(strings.TrimRight(v, "\x00")))
		}
	}
	return out, nil
}

// encodeDataset writes attrs with sequences and items of undefined length.
func encodeDataset(attrs *dcm.Attributes, explicit bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeAttributes(&buf, attrs, explicit); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAttributes(buf *bytes.Buffer, attrs *dcm.Attributes, explicit bool) error {
	for _, t := range attrs.Tags() {
		e, _ := attrs.Get(t)
		if e.IsSequence() {
			writeHeader(buf, header{tag: t, vr: dcm.VRSQ, length: undefinedLength}, explicit)
			for _, item := range e.Items {
				writeHeader(buf, header{tag: itemTag, length: undefinedLength}, explicit)
				if err := writeAttributes(buf, item, explicit); err != nil {
					return err
				}
				writeHeader(buf, header{tag: itemDelimiterTag}, explicit)
			}
			writeHeader(buf, header{tag: seqDelimiterTag}, explicit)
			continue
		}
		value, err := encodeValues(e.VR, e.Values)
		if err != nil {
			return fmt.Errorf("element %s: %w", t, err)
		}
		if explicit && !e.VR.LongLength() && len(value) > math.MaxUint16 {
			return fmt.Errorf("element %s: %d bytes exceed a %s length field", t, len(value), e.VR)
		}
		writeHeader(buf, header{tag: t, vr: e.VR, length: uint32(len(value))}, explicit)
		buf.Write(value)
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, h header, explicit bool) {
	var b [12]byte
	binary.LittleEndian.PutUint16(b[0:2], h.tag.Group())
	binary.LittleEndian.PutUint16(b[2:4], h.tag.Element())
	switch {
	case h.tag.Group() == 0xFFFE || !explicit:
		binary.LittleEndian.PutUint32(b[4:8], h.length)
		buf.Write(b[:8])
	case h.vr.LongLength():
		copy(b[4:6], string(h.vr))
		binary.LittleEndian.PutUint32(b[8:12], h.length)
		buf.Write(b[:12])
	default:
		copy(b[4:6], string(h.vr))
		binary.LittleEndian.PutUint16(b[6:8], uint16(h.length))
		buf.Write(b[:8])
	}
}

func encodeValues(vr dcm.VR, values []string) ([]byte, error) {
	if len(values) == 0 || vr.Binary() {
		return nil, nil
	}
	var buf bytes.Buffer
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch vr {
		case dcm.VRUS, dcm.VRSS:
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(&buf, binary.LittleEndian, uint16(n))
		case dcm.VRUL, dcm.VRSL:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(&buf, binary.LittleEndian, uint32(n))
		case dcm.VRFL:
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(&buf, binary.LittleEndian, float32(f))
		case dcm.VRFD:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(&buf, binary.LittleEndian, f)
		case dcm.VRAT:
			tag, err := dcm.ParseTag(v)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(&buf, binary.LittleEndian, tag.Group())
			_ = binary.Write(&buf, binary.LittleEndian, tag.Element())
		}
	}
	if buf.Len() > 0 {
		return buf.Bytes(), nil
	}

	text := []byte(strings.Join(values, `\`))
	if len(text)%2 == 1 {
		pad := byte(' ')
		if vr == dcm.VRUI {
			pad = 0
		}
		text = append(text, pad)
	}
	return text, nil
}

// encodeCommand writes a command set in implicit VR little endian with its
// group length first.
func encodeCommand(cmd *dcm.Attributes) ([]byte, error) {
	body := cmd.Clone()
	body.Remove(dcm.CommandGroupLength)
	rest, err := encodeDataset(body, false)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeHeader(&buf, header{tag: dcm.CommandGroupLength, vr: dcm.VRUL, length: 4}, false)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(rest)))
	buf.Write(rest)
	return buf.Bytes(), nil
}

// transcode rewrites a little endian dataset between implicit and explicit
// VR. Sequences and items are re-emitted with undefined length because
// header sizes change, and group length elements are dropped for the same
// reason.
func transcode(src []byte, fromExplicit, toExplicit bool) ([]byte, error) {
	if fromExplicit == toExplicit {
		return src, nil
	}
	var buf bytes.Buffer
	r := &reader{buf: src, explicit: fromExplicit}
	if _, err := transcodeElements(&buf, r, len(src), toExplicit); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func transcodeElements(buf *bytes.Buffer, r *reader, end int, toExplicit bool) (bool, error) {
	for r.pos < end {
		h, err := r.header()
		if err != nil {
			return false, err
		}
		if h.tag == itemDelimiterTag {
			return true, nil
		}
		if isSequence(h) {
			if err := transcodeSequence(buf, r, h, toExplicit); err != nil {
				return false, fmt.Errorf("sequence %s: %w", h.tag, err)
			}
			continue
		}
		if h.length == undefinedLength {
			return false, fmt.Errorf("%w: encapsulated pixel data", errUnsupportedSyntax)
		}
		value, err := r.take(h.length)
		if err != nil {
			return false, err
		}
		if h.tag.Element() == 0x0000 {
			continue
		}
		vr := h.vr
		if toExplicit {
			vr = dcm.VROf(h.tag)
			if !vr.LongLength() && len(value) > math.MaxUint16 {
				vr = dcm.VRUN
			}
		}
		writeHeader(buf, header{tag: h.tag, vr: vr, length: uint32(len(value))}, toExplicit)
		buf.Write(value)
	}
	return false, nil
}

func transcodeSequence(buf *bytes.Buffer, r *reader, h header, toExplicit bool) error {
	writeHeader(buf, header{tag: h.tag, vr: dcm.VRSQ, length: undefinedLength}, toExplicit)
	end := len(r.buf)
	if h.length != undefinedLength {
		end = r.pos + int(h.length)
		if end > len(r.buf) {
			return errors.New("sequence overruns dataset")
		}
	}
	for r.pos < end {
		ih, err := r.header()
		if err != nil {
			return err
		}
		if ih.tag == seqDelimiterTag {
			break
		}
		if ih.tag != itemTag {
			return fmt.Errorf("unexpected %s inside sequence", ih.tag)
		}
		itemEnd := len(r.buf)
		if ih.length != undefinedLength {
			itemEnd = r.pos + int(ih.length)
		}
		writeHeader(buf, header{tag: itemTag, length: undefinedLength}, toExplicit)
		if _, err := transcodeElements(buf, r, itemEnd, toExplicit); err != nil {
			return err
		}
		writeHeader(buf, header{tag: itemDelimiterTag}, toExplicit)
	}
	writeHeader(buf, header{tag: seqDelimiterTag}, toExplicit)
	return nil
}
