package dcm

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

var personNameComponents = []string{"FamilyName", "GivenName", "MiddleName", "NamePrefix", "NameSuffix"}

// WriteXML encodes the set as a Native DICOM Model document.
func WriteXML(w io.Writer, attrs *Attributes) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	root := xml.StartElement{
		Name: xml.Name{Local: "NativeDicomModel"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xml:space"}, Value: "preserve"}},
	}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	if err := writeXMLAttributes(enc, attrs); err != nil {
		return err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func writeXMLAttributes(enc *xml.Encoder, attrs *Attributes) error {
	for _, t := range attrs.Tags() {
		e, _ := attrs.Get(t)
		start := xml.StartElement{
			Name: xml.Name{Local: "DicomAttribute"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "tag"}, Value: t.String()},
				{Name: xml.Name{Local: "vr"}, Value: string(e.VR)},
			},
		}
		if kw := KeywordOf(t); kw != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "keyword"}, Value: kw})
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if err := writeXMLValues(enc, e); err != nil {
			return err
		}
		if err := enc.EncodeToken(start.End()); err != nil {
			return err
		}
	}
	return nil
}

func writeXMLValues(enc *xml.Encoder, e *Element) error {
	if e.IsSequence() {
		for i, item := range e.Items {
			start := numbered("Item", i)
			if err := enc.EncodeToken(start); err != nil {
				return err
			}
			if err := writeXMLAttributes(enc, item); err != nil {
				return err
			}
			if err := enc.EncodeToken(start.End()); err != nil {
				return err
			}
		}
		return nil
	}
	for i, v := range e.Values {
		if e.VR == VRPN {
			if err := writePersonName(enc, i, v); err != nil {
				return err
			}
			continue
		}
		if err := enc.EncodeElement(v, numbered("Value", i)); err != nil {
			return err
		}
	}
	return nil
}

func writePersonName(enc *xml.Encoder, i int, v string) error {
	start := numbered("PersonName", i)
	alpha := xml.StartElement{Name: xml.Name{Local: "Alphabetic"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if err := enc.EncodeToken(alpha); err != nil {
		return err
	}
	for j, part := range strings.SplitN(v, "^", len(personNameComponents)) {
		if part == "" {
			continue
		}
		if err := enc.EncodeElement(part, xml.StartElement{Name: xml.Name{Local: personNameComponents[j]}}); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(alpha.End()); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

func numbered(name string, i int) xml.StartElement {
	return xml.StartElement{
		Name: xml.Name{Local: name},
		Attr: []xml.Attr{{Name: xml.Name{Local: "number"}, Value: strconv.Itoa(i + 1)}},
	}
}
