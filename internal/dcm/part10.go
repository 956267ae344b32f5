package dcm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const preambleLength = 128

var magic = []byte("DICM")

// ErrNotPart10 is returned when a file lacks the DICM prefix.
var ErrNotPart10 = errors.New("not a DICOM part-10 file")

// FileMeta is the group 0002 header of a part-10 file.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
	SourceAETitle              string
}

// WriteFileMeta writes the preamble, the DICM prefix and the file meta group
// in explicit VR little endian. The dataset follows in TransferSyntaxUID.
func WriteFileMeta(w io.Writer, meta FileMeta) error {
	if meta.ImplementationClassUID == "" {
		meta.ImplementationClassUID = ImplementationClassUIDValue
	}
	if meta.ImplementationVersionName == "" {
		meta.ImplementationVersionName = ImplementationVersionNameValue
	}

	var group bytes.Buffer
	writeExplicit(&group, FileMetaInformationVersion, VROB, []byte{0x00, 0x01})
	writeExplicit(&group, MediaStorageSOPClassUID, VRUI, padUID(meta.MediaStorageSOPClassUID))
	writeExplicit(&group, MediaStorageSOPInstanceUID, VRUI, padUID(meta.MediaStorageSOPInstanceUID))
	writeExplicit(&group, TransferSyntaxUID, VRUI, padUID(meta.TransferSyntaxUID))
	writeExplicit(&group, ImplementationClassUID, VRUI, padUID(meta.ImplementationClassUID))
	writeExplicit(&group, ImplementationVersionName, VRSH, padText(meta.ImplementationVersionName))
	if meta.SourceAETitle != "" {
		writeExplicit(&group, SourceApplicationEntityTitle, VRAE, padText(meta.SourceAETitle))
	}

	var head bytes.Buffer
	head.Write(make([]byte, preambleLength))
	head.Write(magic)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(group.Len()))
	writeExplicit(&head, FileMetaInformationGroupLength, VRUL, length)

	if _, err := w.Write(head.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(group.Bytes())
	return err
}

// ReadFileMeta parses the header written by WriteFileMeta (or any
// conforming part-10 writer). The reader is left positioned somewhere after
// the meta group.
func ReadFileMeta(r io.Reader) (FileMeta, error) {
	br := bufio.NewReader(r)
	head := make([]byte, preambleLength+len(magic))
	if _, err := io.ReadFull(br, head); err != nil {
		return FileMeta{}, fmt.Errorf("%w: %v", ErrNotPart10, err)
	}
	if !bytes.Equal(head[preambleLength:], magic) {
		return FileMeta{}, ErrNotPart10
	}

	var meta FileMeta
	for {
		peek, err := br.Peek(2)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return meta, nil
			}
			return meta, err
		}
		if binary.LittleEndian.Uint16(peek) != 0x0002 {
			return meta, nil
		}
		tag, value, err := readExplicit(br)
		if err != nil {
			return meta, fmt.Errorf("read file meta: %w", err)
		}
		text := strings.TrimRight(string(value), "\x00 ")
		switch tag {
		case MediaStorageSOPClassUID:
			meta.MediaStorageSOPClassUID = text
		case MediaStorageSOPInstanceUID:
			meta.MediaStorageSOPInstanceUID = text
		case TransferSyntaxUID:
			meta.TransferSyntaxUID = text
		case ImplementationClassUID:
			meta.ImplementationClassUID = text
		case ImplementationVersionName:
			meta.ImplementationVersionName = text
		case SourceApplicationEntityTitle:
			meta.SourceAETitle = text
		}
	}
}

func writeExplicit(buf *bytes.Buffer, tag Tag, vr VR, value []byte) {
	var scratch [4]byte
	binary.LittleEndian.PutUint16(scratch[:2], tag.Group())
	buf.Write(scratch[:2])
	binary.LittleEndian.PutUint16(scratch[:2], tag.Element())
	buf.Write(scratch[:2])
	buf.WriteString(string(vr))
	if vr.LongLength() {
		buf.Write([]byte{0, 0})
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(value)))
		buf.Write(scratch[:])
	} else {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(value)))
		buf.Write(scratch[:2])
	}
	buf.Write(value)
}

func readExplicit(r io.Reader) (Tag, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag := NewTag(binary.LittleEndian.Uint16(hdr[0:2]), binary.LittleEndian.Uint16(hdr[2:4]))
	vr := VR(hdr[4:6])
	var length uint32
	if vr.LongLength() {
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return 0, nil, err
		}
		length = binary.LittleEndian.Uint32(l[:])
	} else {
		length = uint32(binary.LittleEndian.Uint16(hdr[6:8]))
	}
	if length > 1<<16 {
		return 0, nil, fmt.Errorf("element %s: length %d too large for file meta", tag, length)
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, err
	}
	return tag, value, nil
}

func padUID(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return b
}
