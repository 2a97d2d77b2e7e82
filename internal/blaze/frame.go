// Package blaze implements the framed Blaze request/response protocol on
// top of the TDF codec: the packet header, per-connection sessions, the
// component/command dispatcher and the TCP acceptor.
package blaze

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed frame header size.
const HeaderLen = 16

// DefaultMaxFrameBytes is the payload size cap applied when the
// configuration does not override it.
const DefaultMaxFrameBytes = 16 << 20

// MsgKind classifies a frame.
type MsgKind uint8

const (
	KindRequest MsgKind = iota
	KindResponse
	KindNotification
	KindError
	KindPing
	KindPong

	kindCount
)

func (k MsgKind) valid() bool {
	return k < kindCount
}

// String returns the kind name for logging.
func (k MsgKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindError:
		return "error"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

var (
	// ErrFrameHeaderInvalid is returned when the fixed header fails
	// validation. Always fatal to the session.
	ErrFrameHeaderInvalid = errors.New("blaze: invalid frame header")

	// ErrFrameTooLarge is returned when the declared payload length
	// exceeds the configured cap. Always fatal to the session.
	ErrFrameTooLarge = errors.New("blaze: frame payload exceeds size cap")
)

// Frame is one wire packet: the routing header plus an encoded TDF
// struct payload.
//
// Header layout, little-endian:
//
//	u32 len | u16 component | u16 command | u16 error | u8 kind | u8 flags | u32 msgId
type Frame struct {
	Component uint16
	Command   uint16
	ErrorCode uint16
	Kind      MsgKind
	Flags     uint8
	MsgID     uint32
	Payload   []byte
}

// EncodeFrame serializes the frame. The length field is written from the
// actual payload size, never from caller input.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[4:6], f.Component)
	binary.LittleEndian.PutUint16(buf[6:8], f.Command)
	binary.LittleEndian.PutUint16(buf[8:10], f.ErrorCode)
	buf[10] = uint8(f.Kind)
	buf[11] = f.Flags
	binary.LittleEndian.PutUint32(buf[12:16], f.MsgID)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(EncodeFrame(f)); err != nil {
		return fmt.Errorf("blaze: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A clean EOF before any
// header byte is returned as io.EOF so callers can distinguish peer
// close from a torn frame.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: torn header", ErrFrameHeaderInvalid)
		}
		return Frame{}, fmt.Errorf("blaze: read frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	f := Frame{
		Component: binary.LittleEndian.Uint16(hdr[4:6]),
		Command:   binary.LittleEndian.Uint16(hdr[6:8]),
		ErrorCode: binary.LittleEndian.Uint16(hdr[8:10]),
		Kind:      MsgKind(hdr[10]),
		Flags:     hdr[11],
		MsgID:     binary.LittleEndian.Uint32(hdr[12:16]),
	}

	if !f.Kind.valid() {
		return Frame{}, fmt.Errorf("%w: unknown message kind 0x%02X", ErrFrameHeaderInvalid, hdr[10])
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxFrameBytes
	}
	if length > maxPayload {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, cap %d", ErrFrameTooLarge, length, maxPayload)
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("%w: torn payload (%d bytes declared)", ErrFrameHeaderInvalid, length)
	}

	return f, nil
}
