package dcm

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag packs a (group, element) pair.
type Tag uint32

// NewTag builds a tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

func (t Tag) Group() uint16   { return uint16(t >> 16) }
func (t Tag) Element() uint16 { return uint16(t) }

// String renders the tag the way DICOM JSON keys it: eight upper-case hex digits.
func (t Tag) String() string {
	return fmt.Sprintf("%08X", uint32(t))
}

// ParseTag accepts an eight digit hex tag, optionally written as (gggg,eeee).
func ParseTag(s string) (Tag, error) {
	clean := strings.NewReplacer("(", "", ")", "", ",", "").Replace(strings.TrimSpace(s))
	if len(clean) != 8 {
		return 0, fmt.Errorf("tag %q: want 8 hex digits", s)
	}
	v, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("tag %q: %w", s, err)
	}
	return Tag(v), nil
}

// VR is a DICOM value representation code.
type VR string

const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRAT VR = "AT"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFL VR = "FL"
	VRFD VR = "FD"
	VROD VR = "OD"
	VROF VR = "OF"
	VROL VR = "OL"
	VROV VR = "OV"
	VROW VR = "OW"
	VRSV VR = "SV"
	VRUC VR = "UC"
	VRUV VR = "UV"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUR VR = "UR"
	VRUS VR = "US"
	VRUT VR = "UT"
)

// IsNumeric reports whether DICOM JSON carries the values as numbers.
func (vr VR) IsNumeric() bool {
	switch vr {
	case VRDS, VRIS, VRFL, VRFD, VRSL, VRSS, VRUL, VRUS:
		return true
	}
	return false
}

// LongLength reports whether explicit VR encoding gives the VR a reserved
// field and a 32-bit length.
func (vr VR) LongLength() bool {
	switch vr {
	case VROB, VROD, VROF, VROL, VROV, VROW, VRSQ, VRSV, VRUC, VRUN, VRUR, VRUT, VRUV:
		return true
	}
	return false
}

// Binary reports whether values are raw bytes rather than text or numbers.
func (vr VR) Binary() bool {
	switch vr {
	case VROB, VROD, VROF, VROL, VROV, VROW, VRUN:
		return true
	}
	return false
}

// Level is the query/retrieve level sent as QueryRetrieveLevel.
type Level string

const (
	LevelStudy  Level = "STUDY"
	LevelSeries Level = "SERIES"
	LevelImage  Level = "IMAGE"
)
