package wireformat

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Fixed field widths.
const (
	MaxFileName   = 256
	MaxKnobName   = 64
	MaxKnobValue  = 192
	MaxLogMessage = 248
)

// Status is the first word of every reply payload. Host-side failures are
// reported here; nothing is thrown across the boundary.
type Status uint32

const (
	StatusOK Status = iota
	StatusNotFound
	StatusNotOpen
	StatusOutOfBounds
	StatusIOError
	StatusInvalidArgument
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusNotOpen:
		return "not open"
	case StatusOutOfBounds:
		return "out of bounds"
	case StatusIOError:
		return "i/o error"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusInternal:
		return "internal error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// payloadSizes is indexed by handler id, then direction.
var payloadSizes = [handlerCount][2]int{
	HandlerOpenFile:     {MaxFileName + 4, 16},
	HandlerTeardownFile: {4, 4},
	HandlerFileWrite:    {16 + ChunkSize, 16},
	HandlerFileRead:     {16, 8 + ChunkSize},
	HandlerFileDelete:   {4, 4},
	HandlerKnobLookup:   {MaxKnobName, 8 + MaxKnobValue},
	HandlerHostLog:      {8 + MaxLogMessage, 0},
}

// PayloadSize is the fixed payload size of handler h in direction dir, or 0
// for an unknown handler.
func PayloadSize(h HandlerID, dir Direction) int {
	if !h.Valid() {
		return 0
	}
	return payloadSizes[h][dir]
}

// HasReply reports whether h defines a reply layout. Handlers without one can
// only be sent asynchronously.
func HasReply(h HandlerID) bool {
	return PayloadSize(h, Reply) > 0
}

// StatusReply builds a reply payload for h that carries only st, with every
// other field zeroed.
func StatusReply(h HandlerID, st Status) ([]byte, error) {
	if !HasReply(h) {
		return nil, fmt.Errorf("%w: %s has no reply layout", ErrUnknownHandler, h)
	}
	p := make([]byte, PayloadSize(h, Reply))
	binary.LittleEndian.PutUint32(p[0:4], uint32(st))
	return p, nil
}

// ReplyStatus reads the status word of a reply payload.
func ReplyStatus(payload []byte) Status {
	if len(payload) < 4 {
		return StatusInternal
	}
	return Status(binary.LittleEndian.Uint32(payload[0:4]))
}

// Message is a payload bound to the handler that serves it. It is immutable
// once constructed.
type Message struct {
	handler HandlerID
	payload []byte
}

// NewMessage copies payload into a new Message for handler h.
func NewMessage(h HandlerID, payload []byte) Message {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Message{handler: h, payload: p}
}

func (m Message) Handler() HandlerID { return m.handler }

// Payload returns the payload bytes. Callers must not modify them.
func (m Message) Payload() []byte { return m.payload }

func (m Message) PayloadSize() int { return len(m.payload) }

// Body is one of the fixed-layout payloads of this package. The set is
// closed: the unexported methods keep other packages from adding variants.
type Body interface {
	Handler() HandlerID
	Direction() Direction
	encode(p []byte) error
	decode(p []byte) error
}

// Encode lays body out into a Message.
func Encode(body Body) (Message, error) {
	p := make([]byte, PayloadSize(body.Handler(), body.Direction()))
	if err := body.encode(p); err != nil {
		return Message{}, fmt.Errorf("encode %s %s: %w", body.Handler(), body.Direction(), err)
	}
	return Message{handler: body.Handler(), payload: p}, nil
}

// MustEncode is Encode for bodies whose fields are known to fit.
func MustEncode(body Body) Message {
	m, err := Encode(body)
	if err != nil {
		panic(err)
	}
	return m
}

// DecodeInto decodes m into body. The handler and payload size must match
// the layout of body exactly.
func DecodeInto(m Message, body Body) error {
	if m.handler != body.Handler() {
		return fmt.Errorf("%w: message for %s decoded as %s", ErrMalformedFrame, m.handler, body.Handler())
	}
	if want := PayloadSize(body.Handler(), body.Direction()); len(m.payload) != want {
		return fmt.Errorf("%w: %s %s carries %d bytes, want %d",
			ErrPayloadSize, m.handler, body.Direction(), len(m.payload), want)
	}
	return body.decode(m.payload)
}

// Decode decodes m into the body type fixed for its handler and dir.
func Decode(m Message, dir Direction) (Body, error) {
	body, err := newBody(m.handler, dir)
	if err != nil {
		return nil, err
	}
	if err := DecodeInto(m, body); err != nil {
		return nil, err
	}
	return body, nil
}

func newBody(h HandlerID, dir Direction) (Body, error) {
	switch h {
	case HandlerOpenFile:
		if dir == Request {
			return &OpenRequest{}, nil
		}
		return &OpenReply{}, nil
	case HandlerTeardownFile:
		if dir == Request {
			return &TeardownRequest{}, nil
		}
		return &TeardownReply{}, nil
	case HandlerFileWrite:
		if dir == Request {
			return &WriteRequest{}, nil
		}
		return &WriteReply{}, nil
	case HandlerFileRead:
		if dir == Request {
			return &ReadRequest{}, nil
		}
		return &ReadReply{}, nil
	case HandlerFileDelete:
		if dir == Request {
			return &DeleteRequest{}, nil
		}
		return &DeleteReply{}, nil
	case HandlerKnobLookup:
		if dir == Request {
			return &KnobRequest{}, nil
		}
		return &KnobReply{}, nil
	case HandlerHostLog:
		if dir == Request {
			return &LogRecord{}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownHandler, h, dir)
}

// OpenFlags modify how the host opens a file.
type OpenFlags uint32

const (
	// OpenCreate creates the file when it does not exist.
	OpenCreate OpenFlags = 1 << iota
	// OpenTruncate truncates an existing file to zero length.
	OpenTruncate
)

type OpenRequest struct {
	Name  string
	Flags OpenFlags
}

func (*OpenRequest) Handler() HandlerID   { return HandlerOpenFile }
func (*OpenRequest) Direction() Direction { return Request }

func (r *OpenRequest) encode(p []byte) error {
	if err := putString(p[:MaxFileName], r.Name); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(p[MaxFileName:], uint32(r.Flags))
	return nil
}

func (r *OpenRequest) decode(p []byte) error {
	r.Name = getString(p[:MaxFileName])
	r.Flags = OpenFlags(binary.LittleEndian.Uint32(p[MaxFileName:]))
	return nil
}

type OpenReply struct {
	Status Status
	Handle uint32
	Size   uint64
}

func (*OpenReply) Handler() HandlerID   { return HandlerOpenFile }
func (*OpenReply) Direction() Direction { return Reply }

func (r *OpenReply) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(p[4:8], r.Handle)
	binary.LittleEndian.PutUint64(p[8:16], r.Size)
	return nil
}

func (r *OpenReply) decode(p []byte) error {
	r.Status = Status(binary.LittleEndian.Uint32(p[0:4]))
	r.Handle = binary.LittleEndian.Uint32(p[4:8])
	r.Size = binary.LittleEndian.Uint64(p[8:16])
	return nil
}

type TeardownRequest struct {
	Handle uint32
}

func (*TeardownRequest) Handler() HandlerID   { return HandlerTeardownFile }
func (*TeardownRequest) Direction() Direction { return Request }

func (r *TeardownRequest) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p, r.Handle)
	return nil
}

func (r *TeardownRequest) decode(p []byte) error {
	r.Handle = binary.LittleEndian.Uint32(p)
	return nil
}

type TeardownReply struct {
	Status Status
}

func (*TeardownReply) Handler() HandlerID   { return HandlerTeardownFile }
func (*TeardownReply) Direction() Direction { return Reply }

func (r *TeardownReply) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p, uint32(r.Status))
	return nil
}

func (r *TeardownReply) decode(p []byte) error {
	r.Status = Status(binary.LittleEndian.Uint32(p))
	return nil
}

// WriteRequest writes Data at offset Pointer of the file behind Handle.
type WriteRequest struct {
	Handle  uint32
	Pointer uint64
	Data    []byte
}

func (*WriteRequest) Handler() HandlerID   { return HandlerFileWrite }
func (*WriteRequest) Direction() Direction { return Request }

func (r *WriteRequest) encode(p []byte) error {
	if len(r.Data) > ChunkSize {
		return fmt.Errorf("%w: %d data bytes", ErrFieldTooLarge, len(r.Data))
	}
	binary.LittleEndian.PutUint32(p[0:4], r.Handle)
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(r.Data)))
	binary.LittleEndian.PutUint64(p[8:16], r.Pointer)
	copy(p[16:], r.Data)
	return nil
}

func (r *WriteRequest) decode(p []byte) error {
	size := binary.LittleEndian.Uint32(p[4:8])
	if size > ChunkSize {
		return fmt.Errorf("%w: write of %d bytes", ErrMalformedFrame, size)
	}
	r.Handle = binary.LittleEndian.Uint32(p[0:4])
	r.Pointer = binary.LittleEndian.Uint64(p[8:16])
	r.Data = bytes.Clone(p[16 : 16+size])
	return nil
}

type WriteReply struct {
	Status Status
	Count  uint32
	Size   uint64
}

func (*WriteReply) Handler() HandlerID   { return HandlerFileWrite }
func (*WriteReply) Direction() Direction { return Reply }

func (r *WriteReply) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(p[4:8], r.Count)
	binary.LittleEndian.PutUint64(p[8:16], r.Size)
	return nil
}

func (r *WriteReply) decode(p []byte) error {
	r.Status = Status(binary.LittleEndian.Uint32(p[0:4]))
	r.Count = binary.LittleEndian.Uint32(p[4:8])
	r.Size = binary.LittleEndian.Uint64(p[8:16])
	return nil
}

// ReadRequest reads up to Size bytes at offset Pointer of the file behind Handle.
type ReadRequest struct {
	Handle  uint32
	Size    uint32
	Pointer uint64
}

func (*ReadRequest) Handler() HandlerID   { return HandlerFileRead }
func (*ReadRequest) Direction() Direction { return Request }

func (r *ReadRequest) encode(p []byte) error {
	if r.Size > ChunkSize {
		return fmt.Errorf("%w: read of %d bytes", ErrFieldTooLarge, r.Size)
	}
	binary.LittleEndian.PutUint32(p[0:4], r.Handle)
	binary.LittleEndian.PutUint32(p[4:8], r.Size)
	binary.LittleEndian.PutUint64(p[8:16], r.Pointer)
	return nil
}

func (r *ReadRequest) decode(p []byte) error {
	r.Handle = binary.LittleEndian.Uint32(p[0:4])
	r.Size = binary.LittleEndian.Uint32(p[4:8])
	r.Pointer = binary.LittleEndian.Uint64(p[8:16])
	if r.Size > ChunkSize {
		return fmt.Errorf("%w: read of %d bytes", ErrMalformedFrame, r.Size)
	}
	return nil
}

type ReadReply struct {
	Status Status
	Data   []byte
}

func (*ReadReply) Handler() HandlerID   { return HandlerFileRead }
func (*ReadReply) Direction() Direction { return Reply }

func (r *ReadReply) encode(p []byte) error {
	if len(r.Data) > ChunkSize {
		return fmt.Errorf("%w: %d data bytes", ErrFieldTooLarge, len(r.Data))
	}
	binary.LittleEndian.PutUint32(p[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(r.Data)))
	copy(p[8:], r.Data)
	return nil
}

func (r *ReadReply) decode(p []byte) error {
	count := binary.LittleEndian.Uint32(p[4:8])
	if count > ChunkSize {
		return fmt.Errorf("%w: read reply of %d bytes", ErrMalformedFrame, count)
	}
	r.Status = Status(binary.LittleEndian.Uint32(p[0:4]))
	r.Data = bytes.Clone(p[8 : 8+count])
	return nil
}

type DeleteRequest struct {
	Handle uint32
}

func (*DeleteRequest) Handler() HandlerID   { return HandlerFileDelete }
func (*DeleteRequest) Direction() Direction { return Request }

func (r *DeleteRequest) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p, r.Handle)
	return nil
}

func (r *DeleteRequest) decode(p []byte) error {
	r.Handle = binary.LittleEndian.Uint32(p)
	return nil
}

type DeleteReply struct {
	Status Status
}

func (*DeleteReply) Handler() HandlerID   { return HandlerFileDelete }
func (*DeleteReply) Direction() Direction { return Reply }

func (r *DeleteReply) encode(p []byte) error {
	binary.LittleEndian.PutUint32(p, uint32(r.Status))
	return nil
}

func (r *DeleteReply) decode(p []byte) error {
	r.Status = Status(binary.LittleEndian.Uint32(p))
	return nil
}

// KnobRequest asks the host for the value of a named knob.
type KnobRequest struct {
	Name string
}

func (*KnobRequest) Handler() HandlerID   { return HandlerKnobLookup }
func (*KnobRequest) Direction() Direction { return Request }

func (r *KnobRequest) encode(p []byte) error {
	return putString(p, r.Name)
}

func (r *KnobRequest) decode(p []byte) error {
	r.Name = getString(p)
	return nil
}

type KnobReply struct {
	Status Status
	Value  string
}

func (*KnobReply) Handler() HandlerID   { return HandlerKnobLookup }
func (*KnobReply) Direction() Direction { return Reply }

func (r *KnobReply) encode(p []byte) error {
	if len(r.Value) > MaxKnobValue {
		return fmt.Errorf("%w: knob value of %d bytes", ErrFieldTooLarge, len(r.Value))
	}
	binary.LittleEndian.PutUint32(p[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(r.Value)))
	copy(p[8:], r.Value)
	return nil
}

func (r *KnobReply) decode(p []byte) error {
	n := binary.LittleEndian.Uint32(p[4:8])
	if n > MaxKnobValue {
		return fmt.Errorf("%w: knob value of %d bytes", ErrMalformedFrame, n)
	}
	r.Status = Status(binary.LittleEndian.Uint32(p[0:4]))
	r.Value = string(p[8 : 8+n])
	return nil
}

// LogRecord is an asynchronous log line emitted by the compute side.
type LogRecord struct {
	Level   int32
	Message string
}

func (*LogRecord) Handler() HandlerID   { return HandlerHostLog }
func (*LogRecord) Direction() Direction { return Request }

func (r *LogRecord) encode(p []byte) error {
	if len(r.Message) > MaxLogMessage {
		return fmt.Errorf("%w: log message of %d bytes", ErrFieldTooLarge, len(r.Message))
	}
	binary.LittleEndian.PutUint32(p[0:4], uint32(r.Level))
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(r.Message)))
	copy(p[8:], r.Message)
	return nil
}

func (r *LogRecord) decode(p []byte) error {
	n := binary.LittleEndian.Uint32(p[4:8])
	if n > MaxLogMessage {
		return fmt.Errorf("%w: log message of %d bytes", ErrMalformedFrame, n)
	}
	r.Level = int32(binary.LittleEndian.Uint32(p[0:4]))
	r.Message = string(p[8 : 8+n])
	return nil
}

// putString writes s NUL-padded into the fixed-width field p.
func putString(p []byte, s string) error {
	if len(s) > len(p) {
		return fmt.Errorf("%w: %d byte string in %d byte field", ErrFieldTooLarge, len(s), len(p))
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return fmt.Errorf("%w: string contains NUL", ErrMalformedFrame)
	}
	n := copy(p, s)
	clear(p[n:])
	return nil
}

func getString(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}
