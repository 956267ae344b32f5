package dcm

import (
	"encoding/json"
	"strconv"
)

type jsonElement struct {
	VR    VR    `json:"vr"`
	Value []any `json:"Value,omitempty"`
}

type jsonPersonName struct {
	Alphabetic string `json:"Alphabetic,omitempty"`
}

// MarshalJSON encodes the set in the DICOM JSON model. Map keys are eight
// digit upper-case hex tags, so encoding/json's sorted keys keep tag order.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.jsonObject())
}

func (a *Attributes) jsonObject() map[string]jsonElement {
	out := make(map[string]jsonElement, a.Len())
	for _, t := range a.Tags() {
		e, _ := a.Get(t)
		out[t.String()] = e.jsonElement()
	}
	return out
}

func (e *Element) jsonElement() jsonElement {
	je := jsonElement{VR: e.VR}
	if e.IsSequence() {
		for _, item := range e.Items {
			je.Value = append(je.Value, item.jsonObject())
		}
		return je
	}
	for _, v := range e.Values {
		switch {
		case e.VR == VRPN:
			je.Value = append(je.Value, jsonPersonName{Alphabetic: v})
		case e.VR.IsNumeric():
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				je.Value = append(je.Value, n)
			} else {
				je.Value = append(je.Value, v)
			}
		default:
			je.Value = append(je.Value, v)
		}
	}
	return je
}
