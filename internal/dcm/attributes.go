package dcm

import (
	"sort"
	"strconv"
	"strings"
)

// Element is one attribute of a dataset. Leaf attributes carry Values (nil
// means the attribute is present with no value); sequence attributes carry
// Items instead.
type Element struct {
	Tag    Tag
	VR     VR
	Values []string
	Items  []*Attributes
}

// IsSequence reports whether the element holds nested items.
func (e *Element) IsSequence() bool {
	return e.VR == VRSQ
}

// IsNull reports whether a leaf element has no value.
func (e *Element) IsNull() bool {
	return !e.IsSequence() && len(e.Values) == 0
}

func (e *Element) clone() *Element {
	out := &Element{Tag: e.Tag, VR: e.VR}
	if e.Values != nil {
		out.Values = append([]string(nil), e.Values...)
	}
	for _, item := range e.Items {
		out.Items = append(out.Items, item.Clone())
	}
	return out
}

// Attributes is an unordered attribute set; Tags() yields ascending tag order
// for encoding.
type Attributes struct {
	elems map[Tag]*Element
}

// NewAttributes returns an empty set.
func NewAttributes() *Attributes {
	return &Attributes{elems: make(map[Tag]*Element)}
}

func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.elems)
}

// Get returns the element stored under tag.
func (a *Attributes) Get(tag Tag) (*Element, bool) {
	if a == nil {
		return nil, false
	}
	e, ok := a.elems[tag]
	return e, ok
}

func (a *Attributes) Contains(tag Tag) bool {
	_, ok := a.Get(tag)
	return ok
}

// Put stores e, replacing any element with the same tag.
func (a *Attributes) Put(e *Element) {
	if a.elems == nil {
		a.elems = make(map[Tag]*Element)
	}
	a.elems[e.Tag] = e
}

// SetNull stores tag with no value. Sequences become empty sequences.
func (a *Attributes) SetNull(tag Tag) {
	a.Put(&Element{Tag: tag, VR: VROf(tag)})
}

// SetString stores values under tag, with the dictionary VR. No values is
// the same as SetNull.
func (a *Attributes) SetString(tag Tag, values ...string) {
	if len(values) == 0 {
		a.SetNull(tag)
		return
	}
	a.Put(&Element{Tag: tag, VR: VROf(tag), Values: append([]string(nil), values...)})
}

// SetInt stores a single numeric value.
func (a *Attributes) SetInt(tag Tag, v int) {
	a.SetString(tag, strconv.Itoa(v))
}

func (a *Attributes) Remove(tag Tag) {
	if a != nil {
		delete(a.elems, tag)
	}
}

// String returns the first value of tag, or "" when absent or null.
func (a *Attributes) String(tag Tag) string {
	e, ok := a.Get(tag)
	if !ok || len(e.Values) == 0 {
		return ""
	}
	return strings.TrimSpace(e.Values[0])
}

// Int parses the first value of tag.
func (a *Attributes) Int(tag Tag) (int, bool) {
	s := a.String(tag)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IntOr returns the first value of tag, or def when it is missing.
func (a *Attributes) IntOr(tag Tag, def int) int {
	if v, ok := a.Int(tag); ok {
		return v
	}
	return def
}

// EnsureSequence returns the sequence element stored under tag, creating an
// empty one if needed. A non-sequence element under tag is replaced.
func (a *Attributes) EnsureSequence(tag Tag) *Element {
	if e, ok := a.Get(tag); ok && e.IsSequence() {
		return e
	}
	e := &Element{Tag: tag, VR: VRSQ}
	a.Put(e)
	return e
}

// Tags lists the stored tags in ascending order.
func (a *Attributes) Tags() []Tag {
	if a == nil {
		return nil
	}
	tags := make([]Tag, 0, len(a.elems))
	for t := range a.elems {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// AddAll copies every element of other into a, overwriting on conflict.
func (a *Attributes) AddAll(other *Attributes) {
	for _, t := range other.Tags() {
		e, _ := other.Get(t)
		a.Put(e.clone())
	}
}

// Clone deep-copies the set.
func (a *Attributes) Clone() *Attributes {
	out := NewAttributes()
	if a != nil {
		out.AddAll(a)
	}
	return out
}
