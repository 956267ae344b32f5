package dicomweb

import (
	"mime"
	"strings"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
)

// wantsJSON reports whether any media range of the Accept header names a
// JSON encoding; everything else gets the XML multipart response.
func wantsJSON(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == "application/json" || mt == "application/dicom+json" {
			return true
		}
	}
	return false
}

// dicomAccept is the set of transfer syntaxes a WADO client accepts.
type dicomAccept struct {
	any      bool
	syntaxes map[string]bool
}

func (a dicomAccept) allows(transferSyntax string) bool {
	return a.any || a.syntaxes[transferSyntax]
}

// parseDicomAccept collects the transfer syntaxes of the media ranges that
// name DICOM content. ok is false when none does. A range without a
// transfer-syntax parameter means Explicit VR Little Endian; "*" means any.
func parseDicomAccept(header string) (dicomAccept, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return dicomAccept{any: true}, true
	}

	acc := dicomAccept{syntaxes: make(map[string]bool)}
	ok := false
	for _, part := range strings.Split(header, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil || !isDicomRange(mt, params) {
			continue
		}
		ok = true
		switch ts := strings.TrimSpace(params["transfer-syntax"]); ts {
		case "*":
			acc.any = true
		case "":
			acc.syntaxes[dcm.ExplicitVRLittleEndian] = true
		default:
			acc.syntaxes[ts] = true
		}
	}
	return acc, ok
}

func isDicomRange(mediaType string, params map[string]string) bool {
	switch mediaType {
	case "*/*", "application/*", "multipart/*", mediaTypeDicom:
		return true
	case "multipart/related":
		t := params["type"]
		return t == "" || t == mediaTypeDicom
	}
	return false
}
