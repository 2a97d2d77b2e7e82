package tdf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is the sentinel wrapped by every decode failure.
var ErrMalformed = errors.New("tdf: malformed encoding")

// MalformedError reports a decode failure and the byte offset at which
// the input stopped making sense.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("tdf: malformed encoding at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// maxVarintBytes is the longest accepted varint encoding.
const maxVarintBytes = 10

// Unmarshal decodes a payload into exactly one closed struct. The input
// must be fully consumed: bytes past the struct terminator are an error.
func Unmarshal(data []byte) (*Struct, error) {
	d := &decoder{data: data}
	s, err := d.readStructBody()
	if err != nil {
		return nil, err
	}
	if d.off != len(data) {
		return nil, d.errf("%d trailing bytes after struct terminator", len(data)-d.off)
	}
	return s, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) errf(format string, args ...interface{}) error {
	return &MalformedError{Offset: d.off, Reason: fmt.Sprintf(format, args...)}
}

// need guarantees n more bytes are available.
func (d *decoder) need(n int) error {
	if len(d.data)-d.off < n {
		return d.errf("unexpected end of input, need %d bytes", n)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readStructBody() (*Struct, error) {
	s := NewStruct()
	for {
		if err := d.need(1); err != nil {
			return nil, d.errf("unterminated struct")
		}
		if d.data[d.off] == 0x00 {
			d.off++
			return s, nil
		}

		f, err := d.readField()
		if err != nil {
			return nil, err
		}
		if _, dup := s.findTag(f.Tag); dup {
			return nil, d.errf("duplicate tag %s in struct", f.Tag)
		}
		s.fields = append(s.fields, f)
	}
}

// readField consumes a 4-byte field header and the value body.
func (d *decoder) readField() (Field, error) {
	if err := d.need(4); err != nil {
		return Field{}, d.errf("truncated field header")
	}
	tag := Tag(uint32(d.data[d.off])<<24 | uint32(d.data[d.off+1])<<16 | uint32(d.data[d.off+2])<<8)
	kind := Type(d.data[d.off+3])
	if !kind.valid() {
		d.off += 3
		return Field{}, d.errf("unknown kind byte 0x%02X for tag %s", uint8(kind), tag)
	}
	d.off += 4

	v, err := d.readValue(kind)
	if err != nil {
		return Field{}, err
	}
	return Field{Tag: tag, Value: v}, nil
}

// readValue consumes one bare value body of the given kind.
func (d *decoder) readValue(kind Type) (Value, error) {
	switch kind {
	case TypeInteger:
		u, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		return Integer(unzigzag(u)), nil

	case TypeString:
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, d.errf("string length missing terminator byte")
		}
		if n > uint64(len(d.data)-d.off) {
			return nil, d.errf("string length %d exceeds remaining input", n)
		}
		end := d.off + int(n)
		if d.data[end-1] != 0x00 {
			d.off = end - 1
			return nil, d.errf("string not NUL-terminated")
		}
		s := String(d.data[d.off : end-1])
		d.off = end
		return s, nil

	case TypeBlob:
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(d.data)-d.off) {
			return nil, d.errf("blob length %d exceeds remaining input", n)
		}
		b := make(Blob, n)
		copy(b, d.data[d.off:d.off+int(n)])
		d.off += int(n)
		return b, nil

	case TypeStruct:
		return d.readStructBody()

	case TypeList:
		eb, err := d.readByte()
		if err != nil {
			return nil, err
		}
		elem := Type(eb)
		if !elem.valid() {
			d.off--
			return nil, d.errf("unknown list element kind 0x%02X", eb)
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(d.data)-d.off) {
			return nil, d.errf("list length %d exceeds remaining input", n)
		}
		l := NewList(elem)
		for i := uint64(0); i < n; i++ {
			v, err := d.readValue(elem)
			if err != nil {
				return nil, err
			}
			l.items = append(l.items, v)
		}
		return l, nil

	case TypeMap:
		kb, err := d.readByte()
		if err != nil {
			return nil, err
		}
		vb, err := d.readByte()
		if err != nil {
			return nil, err
		}
		keyKind, valKind := Type(kb), Type(vb)
		if !keyKind.valid() || !valKind.valid() {
			d.off -= 2
			return nil, d.errf("unknown map kinds 0x%02X/0x%02X", kb, vb)
		}
		n, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(d.data)-d.off) {
			return nil, d.errf("map length %d exceeds remaining input", n)
		}
		m := NewMap(keyKind, valKind)
		for i := uint64(0); i < n; i++ {
			k, err := d.readValue(keyKind)
			if err != nil {
				return nil, err
			}
			v, err := d.readValue(valKind)
			if err != nil {
				return nil, err
			}
			for _, e := range m.entries {
				if equal(e.Key, k) {
					return nil, d.errf("duplicate map key")
				}
			}
			m.entries = append(m.entries, MapEntry{Key: k, Value: v})
		}
		return m, nil

	case TypeUnion:
		active, err := d.readByte()
		if err != nil {
			return nil, err
		}
		u := NewUnion()
		if active == UnionUnset {
			return u, nil
		}
		f, err := d.readField()
		if err != nil {
			return nil, err
		}
		u.active = active
		u.field = &f
		return u, nil

	case TypeObjectType:
		return d.readObjectType()

	case TypeObjectID:
		ot, err := d.readObjectType()
		if err != nil {
			return nil, err
		}
		entity, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		return ObjectID{Type: ot, Entity: entity}, nil

	case TypeFloat:
		if err := d.need(4); err != nil {
			return nil, err
		}
		bits := binary.LittleEndian.Uint32(d.data[d.off:])
		d.off += 4
		return Float(math.Float32frombits(bits)), nil

	case TypeTriple:
		if err := d.need(12); err != nil {
			return nil, err
		}
		t := Triple{
			A: binary.LittleEndian.Uint32(d.data[d.off:]),
			B: binary.LittleEndian.Uint32(d.data[d.off+4:]),
			C: binary.LittleEndian.Uint32(d.data[d.off+8:]),
		}
		d.off += 12
		return t, nil

	case TypeVector3:
		if err := d.need(12); err != nil {
			return nil, err
		}
		v := Vector3{
			X: math.Float32frombits(binary.LittleEndian.Uint32(d.data[d.off:])),
			Y: math.Float32frombits(binary.LittleEndian.Uint32(d.data[d.off+4:])),
			Z: math.Float32frombits(binary.LittleEndian.Uint32(d.data[d.off+8:])),
		}
		d.off += 12
		return v, nil

	default:
		return nil, d.errf("unknown kind byte 0x%02X", uint8(kind))
	}
}

func (d *decoder) readObjectType() (ObjectType, error) {
	comp, err := d.readUvarint()
	if err != nil {
		return ObjectType{}, err
	}
	typ, err := d.readUvarint()
	if err != nil {
		return ObjectType{}, err
	}
	if comp > math.MaxUint16 || typ > math.MaxUint16 {
		return ObjectType{}, d.errf("object type %d/%d out of uint16 range", comp, typ)
	}
	return ObjectType{Component: uint16(comp), Type: uint16(typ)}, nil
}

// readUvarint accepts any width up to maxVarintBytes.
func (d *decoder) readUvarint() (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; ; i++ {
		if i == maxVarintBytes {
			return 0, d.errf("varint longer than %d bytes", maxVarintBytes)
		}
		if err := d.need(1); err != nil {
			return 0, d.errf("truncated varint")
		}
		b := d.data[d.off]
		d.off++
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}
