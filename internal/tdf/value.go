package tdf

import (
	"errors"
	"fmt"
	"sort"
)

// Type identifies the wire-level kind of a TDF value. The enumeration is
// closed; dispatch on it is always an exhaustive switch.
type Type uint8

const (
	TypeInteger Type = iota
	TypeString
	TypeBlob
	TypeStruct
	TypeList
	TypeMap
	TypeUnion
	TypeObjectType
	TypeObjectID
	TypeFloat
	TypeTriple
	TypeVector3

	typeCount
)

// String returns the kind name for diagnostics.
func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeStruct:
		return "struct"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	case TypeUnion:
		return "union"
	case TypeObjectType:
		return "object_type"
	case TypeObjectID:
		return "object_id"
	case TypeFloat:
		return "float"
	case TypeTriple:
		return "triple"
	case TypeVector3:
		return "vector3"
	default:
		return fmt.Sprintf("type(0x%02X)", uint8(t))
	}
}

// valid reports whether t names a defined kind.
func (t Type) valid() bool {
	return t < typeCount
}

var (
	// ErrDuplicateTag is returned when a struct field or map key is
	// inserted twice.
	ErrDuplicateTag = errors.New("tdf: duplicate tag")

	// ErrKindMismatch is returned when a container element does not match
	// the container's declared element kind.
	ErrKindMismatch = errors.New("tdf: container element kind mismatch")
)

// Value is one node of the TDF value tree. The set of implementations is
// closed: Integer, String, Blob, *Struct, *List, *Map, *Union, ObjectType,
// ObjectID, Float, Triple and Vector3.
type Value interface {
	Kind() Type
}

// Integer is a signed 64-bit integer, encoded as a zig-zag varint.
type Integer int64

// String is a UTF-8 string, NUL-terminated on the wire.
type String string

// Blob is an opaque length-prefixed byte sequence.
type Blob []byte

// Float is an IEEE-754 32-bit float, bit-exact across round-trips.
type Float float32

// ObjectType identifies a class of game object.
type ObjectType struct {
	Component uint16
	Type      uint16
}

// ObjectID identifies a single game object instance.
type ObjectID struct {
	Type   ObjectType
	Entity uint64
}

// Triple is three positional unsigned 32-bit values.
type Triple struct {
	A, B, C uint32
}

// Vector3 is three positional 32-bit floats.
type Vector3 struct {
	X, Y, Z float32
}

func (Integer) Kind() Type    { return TypeInteger }
func (String) Kind() Type     { return TypeString }
func (Blob) Kind() Type       { return TypeBlob }
func (Float) Kind() Type      { return TypeFloat }
func (ObjectType) Kind() Type { return TypeObjectType }
func (ObjectID) Kind() Type   { return TypeObjectID }
func (Triple) Kind() Type     { return TypeTriple }
func (Vector3) Kind() Type    { return TypeVector3 }

// Field is one tagged member of a struct.
type Field struct {
	Tag   Tag
	Value Value
}

// Struct is an ordered sequence of uniquely-tagged fields. Insertion
// order is emission order; structural equality ignores it.
type Struct struct {
	fields []Field
}

func (*Struct) Kind() Type { return TypeStruct }

// NewStruct returns an empty struct.
func NewStruct() *Struct {
	return &Struct{}
}

// Add appends a field. It fails with ErrMalformedTag on a bad label and
// ErrDuplicateTag if the tag is already present.
func (s *Struct) Add(label string, v Value) error {
	tag, err := Pack(label)
	if err != nil {
		return err
	}
	for _, f := range s.fields {
		if f.Tag == tag {
			return fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
	}
	s.fields = append(s.fields, Field{Tag: tag, Value: v})
	return nil
}

// Put is like Add but panics on error. For literal labels in handler
// code, where a failure is a programmer error.
func (s *Struct) Put(label string, v Value) *Struct {
	if err := s.Add(label, v); err != nil {
		panic(err)
	}
	return s
}

// Get returns the value for a label, scanning fields in order.
func (s *Struct) Get(label string) (Value, bool) {
	tag, err := Pack(label)
	if err != nil {
		return nil, false
	}
	for _, f := range s.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// GetInt returns an integer field, or 0 if absent or of another kind.
func (s *Struct) GetInt(label string) (int64, bool) {
	v, ok := s.Get(label)
	if !ok {
		return 0, false
	}
	i, ok := v.(Integer)
	return int64(i), ok
}

// GetString returns a string field.
func (s *Struct) GetString(label string) (string, bool) {
	v, ok := s.Get(label)
	if !ok {
		return "", false
	}
	str, ok := v.(String)
	return string(str), ok
}

// GetStruct returns a nested struct field.
func (s *Struct) GetStruct(label string) (*Struct, bool) {
	v, ok := s.Get(label)
	if !ok {
		return nil, false
	}
	nested, ok := v.(*Struct)
	return nested, ok
}

// GetList returns a list field.
func (s *Struct) GetList(label string) (*List, bool) {
	v, ok := s.Get(label)
	if !ok {
		return nil, false
	}
	l, ok := v.(*List)
	return l, ok
}

// Fields returns the fields in insertion order. The slice is shared;
// callers must not mutate it.
func (s *Struct) Fields() []Field {
	return s.fields
}

// Len returns the number of fields.
func (s *Struct) Len() int {
	return len(s.fields)
}

// Normalize sorts fields by tag, recursively. Two structurally equal
// structs normalize to identical encodings regardless of insertion order.
func (s *Struct) Normalize() {
	sort.Slice(s.fields, func(i, j int) bool {
		return s.fields[i].Tag < s.fields[j].Tag
	})
	for _, f := range s.fields {
		switch v := f.Value.(type) {
		case *Struct:
			v.Normalize()
		case *Union:
			if v.field != nil {
				if nested, ok := v.field.Value.(*Struct); ok {
					nested.Normalize()
				}
			}
		}
	}
}

// List is a homogeneous sequence. The element kind is declared once and
// enforced on append; element order is significant.
type List struct {
	elem  Type
	items []Value
}

func (*List) Kind() Type { return TypeList }

// NewList returns an empty list with the given element kind.
func NewList(elem Type) *List {
	return &List{elem: elem}
}

// Append adds elements, failing with ErrKindMismatch if any element does
// not match the declared kind.
func (l *List) Append(vs ...Value) error {
	for _, v := range vs {
		if v.Kind() != l.elem {
			return fmt.Errorf("%w: list of %s given %s", ErrKindMismatch, l.elem, v.Kind())
		}
		l.items = append(l.items, v)
	}
	return nil
}

// Elem returns the declared element kind.
func (l *List) Elem() Type { return l.elem }

// Items returns the elements in order. The slice is shared.
func (l *List) Items() []Value { return l.items }

// Len returns the element count.
func (l *List) Len() int { return len(l.items) }

// MapEntry is one key/value pair of a map.
type MapEntry struct {
	Key   Value
	Value Value
}

// Map is a homogeneous key/value container. Duplicate keys are rejected;
// structural equality ignores entry order.
type Map struct {
	keyKind Type
	valKind Type
	entries []MapEntry
}

func (*Map) Kind() Type { return TypeMap }

// NewMap returns an empty map with the given key and value kinds.
func NewMap(keyKind, valKind Type) *Map {
	return &Map{keyKind: keyKind, valKind: valKind}
}

// Put inserts a pair, failing with ErrKindMismatch on a kind violation
// and ErrDuplicateTag on a duplicate key.
func (m *Map) Put(k, v Value) error {
	if k.Kind() != m.keyKind {
		return fmt.Errorf("%w: map key of %s given %s", ErrKindMismatch, m.keyKind, k.Kind())
	}
	if v.Kind() != m.valKind {
		return fmt.Errorf("%w: map value of %s given %s", ErrKindMismatch, m.valKind, v.Kind())
	}
	for _, e := range m.entries {
		if equal(e.Key, k) {
			return fmt.Errorf("%w: duplicate map key", ErrDuplicateTag)
		}
	}
	m.entries = append(m.entries, MapEntry{Key: k, Value: v})
	return nil
}

// KeyKind returns the declared key kind.
func (m *Map) KeyKind() Type { return m.keyKind }

// ValueKind returns the declared value kind.
func (m *Map) ValueKind() Type { return m.valKind }

// Entries returns the pairs in insertion order. The slice is shared.
func (m *Map) Entries() []MapEntry { return m.entries }

// Len returns the pair count.
func (m *Map) Len() int { return len(m.entries) }

// UnionUnset is the wire sentinel for a union with no active member.
const UnionUnset uint8 = 0x7F

// Union holds at most one active tagged member.
type Union struct {
	active uint8
	field  *Field
}

func (*Union) Kind() Type { return TypeUnion }

// NewUnion returns a union with no active member.
func NewUnion() *Union {
	return &Union{active: UnionUnset}
}

// Set activates member, replacing any previous one.
func (u *Union) Set(member uint8, label string, v Value) error {
	if member == UnionUnset {
		return fmt.Errorf("tdf: union member 0x%02X is the unset sentinel", member)
	}
	tag, err := Pack(label)
	if err != nil {
		return err
	}
	u.active = member
	u.field = &Field{Tag: tag, Value: v}
	return nil
}

// Unset clears the active member.
func (u *Union) Unset() {
	u.active = UnionUnset
	u.field = nil
}

// Active returns the active member index and its field, or (UnionUnset, nil).
func (u *Union) Active() (uint8, *Field) {
	return u.active, u.field
}

// Equal reports deep structural equality. Struct field order and map
// entry order are ignored; list element order is significant.
func Equal(a, b Value) bool {
	return equal(a, b)
}

func equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}

	switch av := a.(type) {
	case Integer:
		return av == b.(Integer)
	case String:
		return av == b.(String)
	case Blob:
		bv := b.(Blob)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case Float:
		return av == b.(Float)
	case ObjectType:
		return av == b.(ObjectType)
	case ObjectID:
		return av == b.(ObjectID)
	case Triple:
		return av == b.(Triple)
	case Vector3:
		return av == b.(Vector3)
	case *Struct:
		bv := b.(*Struct)
		if len(av.fields) != len(bv.fields) {
			return false
		}
		for _, f := range av.fields {
			other, ok := bv.findTag(f.Tag)
			if !ok || !equal(f.Value, other) {
				return false
			}
		}
		return true
	case *List:
		bv := b.(*List)
		if av.elem != bv.elem || len(av.items) != len(bv.items) {
			return false
		}
		for i := range av.items {
			if !equal(av.items[i], bv.items[i]) {
				return false
			}
		}
		return true
	case *Map:
		bv := b.(*Map)
		if av.keyKind != bv.keyKind || av.valKind != bv.valKind || len(av.entries) != len(bv.entries) {
			return false
		}
		for _, e := range av.entries {
			found := false
			for _, o := range bv.entries {
				if equal(e.Key, o.Key) {
					found = equal(e.Value, o.Value)
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case *Union:
		bv := b.(*Union)
		if av.active != bv.active {
			return false
		}
		if av.field == nil || bv.field == nil {
			return av.field == nil && bv.field == nil
		}
		return av.field.Tag == bv.field.Tag && equal(av.field.Value, bv.field.Value)
	default:
		return false
	}
}

func (s *Struct) findTag(tag Tag) (Value, bool) {
	for _, f := range s.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}
