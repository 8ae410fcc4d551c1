// Package wireformat defines the binary frame layout shared by the compute
// image and the host. Both sides are built against the same copy of this
// package: the constants, enumerations and payload layouts below are the ABI
// contract and must remain stable.
//
// A frame is, in byte order:
//
//	Header{type:4B, threadId:4B, handler:4B}
//	[address:8B]            present only when type == Synchronous
//	payload                 exactly PayloadSize(handler, direction) bytes
//
// All integers are little-endian. MaxMessageSize bounds header plus payload
// for every frame.
package wireformat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame geometry.
const (
	HeaderSize            = 12
	AddressSize           = 8
	SynchronousHeaderSize = HeaderSize + AddressSize

	// MaxMessageSize bounds header+payload of every frame.
	MaxMessageSize = 1024

	// ChunkSize is the largest data block carried by one read or write.
	ChunkSize = 512
)

// Protocol errors. Any of these observed by a consumer means the two images
// disagree about the ABI.
var (
	ErrMessageTooLarge = errors.New("message exceeds maximum message size")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownHandler  = errors.New("unknown handler id")
	ErrPayloadSize     = errors.New("payload size mismatch")
	ErrFieldTooLarge   = errors.New("payload field exceeds its fixed width")
)

// HandlerID identifies a message kind and the host function that serves it.
type HandlerID int32

const (
	HandlerOpenFile HandlerID = iota
	HandlerTeardownFile
	HandlerFileWrite
	HandlerFileRead
	HandlerFileDelete
	HandlerKnobLookup
	HandlerHostLog
	handlerCount

	HandlerInvalid HandlerID = -1
)

// Valid reports whether h is a member of the closed handler enumeration.
func (h HandlerID) Valid() bool {
	return h >= 0 && h < handlerCount
}

func (h HandlerID) String() string {
	switch h {
	case HandlerOpenFile:
		return "open_file"
	case HandlerTeardownFile:
		return "teardown_file"
	case HandlerFileWrite:
		return "file_write"
	case HandlerFileRead:
		return "file_read"
	case HandlerFileDelete:
		return "file_delete"
	case HandlerKnobLookup:
		return "knob_lookup"
	case HandlerHostLog:
		return "host_log"
	case HandlerInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("handler(%d)", int32(h))
	}
}

// Handlers returns every valid handler id in ascending order.
func Handlers() []HandlerID {
	ids := make([]HandlerID, 0, handlerCount)
	for h := HandlerID(0); h < handlerCount; h++ {
		ids = append(ids, h)
	}
	return ids
}

// MessageType tells the receiver whether the sender is waiting for a reply.
type MessageType uint32

const (
	Synchronous MessageType = iota
	Asynchronous
	Invalid
)

func (t MessageType) String() string {
	switch t {
	case Synchronous:
		return "synchronous"
	case Asynchronous:
		return "asynchronous"
	default:
		return "invalid"
	}
}

// Direction distinguishes request payloads (compute to host) from reply
// payloads (host to compute). The same handler id has one layout per direction.
type Direction int

const (
	Request Direction = iota
	Reply
)

func (d Direction) String() string {
	if d == Reply {
		return "reply"
	}
	return "request"
}

// Header is the fixed prefix of every frame.
type Header struct {
	Type     MessageType
	ThreadID uint32
	Handler  HandlerID
}

// Size is the encoded size of the header, including the address word for
// synchronous frames.
func (h Header) Size() int {
	if h.Type == Synchronous {
		return SynchronousHeaderSize
	}
	return HeaderSize
}

// SynchronousHeader extends Header with the correlation address used to route
// the reply back to its waiter.
type SynchronousHeader struct {
	Header
	Address uint64
}

// Key returns the reply key of the header.
func (h SynchronousHeader) Key() ReplyKey {
	return ReplyKey{ThreadID: h.ThreadID, Address: h.Address}
}

// ReplyKey routes a reply to exactly one waiting caller. Address is a
// per-channel monotonic sequence number, so two in-flight calls never share a
// key even when they originate from the same thread.
type ReplyKey struct {
	ThreadID uint32
	Address  uint64
}

func (k ReplyKey) String() string {
	return fmt.Sprintf("%d/%d", k.ThreadID, k.Address)
}

// Frame is a decoded frame. Payload aliases the buffer it was decoded from.
type Frame struct {
	Header  Header
	Address uint64
	Payload []byte
}

// Key returns the reply key carried by a synchronous frame.
func (f Frame) Key() ReplyKey {
	return ReplyKey{ThreadID: f.Header.ThreadID, Address: f.Address}
}

// Len is the encoded size of the frame.
func (f Frame) Len() int {
	return f.Header.Size() + len(f.Payload)
}

// AppendFrame appends the encoding of header, address and payload to dst.
// The address is written only for synchronous headers. Frames larger than
// MaxMessageSize are rejected; nothing is ever truncated.
func AppendFrame(dst []byte, hdr Header, address uint64, payload []byte) ([]byte, error) {
	if hdr.Type != Synchronous && hdr.Type != Asynchronous {
		return dst, fmt.Errorf("%w: message type %s", ErrMalformedFrame, hdr.Type)
	}
	total := hdr.Size() + len(payload)
	if total > MaxMessageSize {
		return dst, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, total, MaxMessageSize)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(hdr.Type))
	dst = binary.LittleEndian.AppendUint32(dst, hdr.ThreadID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(hdr.Handler))
	if hdr.Type == Synchronous {
		dst = binary.LittleEndian.AppendUint64(dst, address)
	}
	return append(dst, payload...), nil
}

// DecodeHeader decodes the 12-byte header prefix.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d byte header", ErrMalformedFrame, len(b))
	}
	return Header{
		Type:     MessageType(binary.LittleEndian.Uint32(b[0:4])),
		ThreadID: binary.LittleEndian.Uint32(b[4:8]),
		Handler:  HandlerID(int32(binary.LittleEndian.Uint32(b[8:12]))),
	}, nil
}

// FrameLength returns the total encoded size of the frame whose first
// HeaderSize bytes are prefix, as seen by a consumer of dir-direction frames.
func FrameLength(dir Direction, prefix []byte) (int, error) {
	hdr, err := DecodeHeader(prefix)
	if err != nil {
		return 0, err
	}
	if err := validateHeader(hdr, dir); err != nil {
		return 0, err
	}
	total := hdr.Size() + PayloadSize(hdr.Handler, dir)
	if total > MaxMessageSize {
		return 0, fmt.Errorf("%w: %s frame of %d bytes", ErrMessageTooLarge, hdr.Handler, total)
	}
	return total, nil
}

// DecodeFrame decodes one complete frame. The payload must be exactly the
// size fixed for the handler in direction dir.
func DecodeFrame(dir Direction, b []byte) (Frame, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if err := validateHeader(hdr, dir); err != nil {
		return Frame{}, err
	}
	if len(b) < hdr.Size() {
		return Frame{}, fmt.Errorf("%w: synchronous frame without address", ErrMalformedFrame)
	}
	f := Frame{Header: hdr, Payload: b[hdr.Size():]}
	if hdr.Type == Synchronous {
		f.Address = binary.LittleEndian.Uint64(b[HeaderSize:SynchronousHeaderSize])
	}
	if want := PayloadSize(hdr.Handler, dir); len(f.Payload) != want {
		return Frame{}, fmt.Errorf("%w: %s %s carries %d bytes, want %d",
			ErrPayloadSize, hdr.Handler, dir, len(f.Payload), want)
	}
	return f, nil
}

func validateHeader(hdr Header, dir Direction) error {
	if hdr.Type != Synchronous && hdr.Type != Asynchronous {
		return fmt.Errorf("%w: message type %d", ErrMalformedFrame, uint32(hdr.Type))
	}
	if !hdr.Handler.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownHandler, int32(hdr.Handler))
	}
	if dir == Reply && hdr.Type != Synchronous {
		return fmt.Errorf("%w: reply frames must be synchronous", ErrMalformedFrame)
	}
	return nil
}
