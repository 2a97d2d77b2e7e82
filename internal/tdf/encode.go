package tdf

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Marshal encodes a top-level struct payload: tagged fields in insertion
// order followed by the struct terminator. Output is deterministic; the
// same value tree always produces the same bytes.
func Marshal(s *Struct) []byte {
	var buf bytes.Buffer
	writeStructBody(&buf, s)
	return buf.Bytes()
}

func writeStructBody(buf *bytes.Buffer, s *Struct) {
	for _, f := range s.fields {
		writeField(buf, f)
	}
	buf.WriteByte(0x00)
}

// writeField emits the 4-byte field header (3 packed tag bytes + kind)
// and the value body.
func writeField(buf *bytes.Buffer, f Field) {
	tag := uint32(f.Tag)
	buf.WriteByte(byte(tag >> 24))
	buf.WriteByte(byte(tag >> 16))
	buf.WriteByte(byte(tag >> 8))
	buf.WriteByte(byte(f.Value.Kind()))
	writeValue(buf, f.Value)
}

// writeValue emits a bare value body. The kind is carried by the field
// header or the enclosing container, never repeated here.
func writeValue(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Integer:
		writeUvarint(buf, zigzag(int64(val)))
	case String:
		b := []byte(val)
		writeUvarint(buf, uint64(len(b)+1))
		buf.Write(b)
		buf.WriteByte(0x00)
	case Blob:
		writeUvarint(buf, uint64(len(val)))
		buf.Write(val)
	case *Struct:
		writeStructBody(buf, val)
	case *List:
		buf.WriteByte(byte(val.elem))
		writeUvarint(buf, uint64(len(val.items)))
		for _, item := range val.items {
			writeValue(buf, item)
		}
	case *Map:
		buf.WriteByte(byte(val.keyKind))
		buf.WriteByte(byte(val.valKind))
		writeUvarint(buf, uint64(len(val.entries)))
		for _, e := range val.entries {
			writeValue(buf, e.Key)
			writeValue(buf, e.Value)
		}
	case *Union:
		buf.WriteByte(val.active)
		if val.active != UnionUnset && val.field != nil {
			writeField(buf, *val.field)
		}
	case ObjectType:
		writeUvarint(buf, uint64(val.Component))
		writeUvarint(buf, uint64(val.Type))
	case ObjectID:
		writeUvarint(buf, uint64(val.Type.Component))
		writeUvarint(buf, uint64(val.Type.Type))
		writeUvarint(buf, val.Entity)
	case Float:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(val)))
		buf.Write(b[:])
	case Triple:
		var b [12]byte
		binary.LittleEndian.PutUint32(b[0:4], val.A)
		binary.LittleEndian.PutUint32(b[4:8], val.B)
		binary.LittleEndian.PutUint32(b[8:12], val.C)
		buf.Write(b[:])
	case Vector3:
		var b [12]byte
		binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(val.X))
		binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(val.Y))
		binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(val.Z))
		buf.Write(b[:])
	}
}

// writeUvarint emits v as a base-128 varint, 7 data bits per byte, MSB
// continuation, always in the minimal width.
func writeUvarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

// zigzag maps signed to unsigned so small negative integers stay short.
func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
