package dcm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAttributeID marks an attribute identifier that is neither a known
// keyword nor a hex tag.
var ErrInvalidAttributeID = errors.New("invalid attribute id")

// AttributeID is a dotted path of tags such as
// "OtherPatientIDsSequence.IssuerOfPatientIDQualifiersSequence.UniversalEntityID".
// Every segment but the last is expected to be a sequence.
type AttributeID struct {
	path []Tag
}

// ParseAttributeID accepts keyword or eight digit hex segments separated by
// dots. Command and file meta group tags are rejected.
func ParseAttributeID(s string) (AttributeID, error) {
	var path []Tag
	for _, seg := range strings.Split(s, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		tag, ok := TagForKeyword(seg)
		if !ok {
			v, err := strconv.ParseUint(seg, 16, 32)
			if err != nil || len(seg) != 8 {
				return AttributeID{}, fmt.Errorf("%w: unable to parse %q", ErrInvalidAttributeID, seg)
			}
			tag = Tag(v)
		}
		if g := tag.Group(); g == 0x0000 || g == 0x0002 {
			return AttributeID{}, fmt.Errorf("%w: %q is not a dataset attribute", ErrInvalidAttributeID, seg)
		}
		path = append(path, tag)
	}
	if len(path) == 0 {
		return AttributeID{}, fmt.Errorf("%w: empty", ErrInvalidAttributeID)
	}
	return AttributeID{path: path}, nil
}

// MustParseAttributeID panics on a malformed identifier; meant for package
// level tables.
func MustParseAttributeID(s string) AttributeID {
	id, err := ParseAttributeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id AttributeID) Path() []Tag {
	return append([]Tag(nil), id.path...)
}

func (id AttributeID) String() string {
	parts := make([]string, len(id.path))
	for i, t := range id.path {
		if kw := KeywordOf(t); kw != "" {
			parts[i] = kw
		} else {
			parts[i] = t.String()
		}
	}
	return strings.Join(parts, ".")
}

// EnsureExists makes the attribute present in attrs, creating the sequence
// items along the way. An existing leaf is left untouched; a missing one is
// added with no value.
func (id AttributeID) EnsureExists(attrs *Attributes) {
	walk(attrs, id.path, func(target *Attributes, tag Tag) {
		if !target.Contains(tag) {
			target.SetNull(tag)
		}
	})
}

// SetValue writes the terminal attribute, overwriting any previous value.
// Calling it without values stores the attribute with no value.
func (id AttributeID) SetValue(attrs *Attributes, values ...string) {
	walk(attrs, id.path, func(target *Attributes, tag Tag) {
		target.SetString(tag, values...)
	})
}

// walk descends one segment at a time. Sequence segments resolve to an item
// (see selectItem) and the first non-sequence segment is handed to leaf; any
// segments after it are ignored. A path made only of sequences just makes
// sure the sequences exist.
func walk(attrs *Attributes, path []Tag, leaf func(*Attributes, Tag)) {
	if len(path) == 0 {
		return
	}
	tag := path[0]
	if VROf(tag) != VRSQ {
		leaf(attrs, tag)
		return
	}
	seq := attrs.EnsureSequence(tag)
	if len(path) == 1 {
		return
	}
	walk(selectItem(seq, path[1]), path[1:], leaf)
}

// selectItem picks the item a path continues into: the first item already
// holding next, else the only item, else a fresh one appended to the sequence.
func selectItem(seq *Element, next Tag) *Attributes {
	for _, item := range seq.Items {
		if item.Contains(next) {
			return item
		}
	}
	if len(seq.Items) == 1 {
		return seq.Items[0]
	}
	item := NewAttributes()
	seq.Items = append(seq.Items, item)
	return item
}
