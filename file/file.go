// Package file is the compute-side client of the host file protocol.
//
// A File is a handle to host-side state: every Read, Write, Close and Remove
// is one or more synchronous round trips through a reflection.Sender, and
// the host performs the I/O in its own address space. Get and put cursors
// are local; TellG, TellP, SeekG and SeekP never reach the host.
//
// A File moves from open to closed (Close) or to removed (Remove). Both are
// terminal. Operations on a closed or removed file are still sent, so the
// host reports them as not open.
package file

import (
	"fmt"
	"io"

	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/hostreflect/hostreflect/wireformat"
)

type state int

const (
	stateUnopened state = iota
	stateOpen
	stateClosed
	stateRemoved
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateRemoved:
		return "removed"
	default:
		return "unopened"
	}
}

// openConfig holds configuration for Open.
type openConfig struct {
	flags wireformat.OpenFlags
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithCreate creates the file when it does not exist.
func WithCreate() OpenOption {
	return func(c *openConfig) {
		c.flags |= wireformat.OpenCreate
	}
}

// WithTruncate empties the file on open.
func WithTruncate() OpenOption {
	return func(c *openConfig) {
		c.flags |= wireformat.OpenTruncate
	}
}

// File is an open host file. A File is not safe for concurrent use.
type File struct {
	sender   reflection.Sender
	name     string
	size     uint64
	getPos   uint64
	putPos   uint64
	threadID uint32
	handle   uint32
	state    state
}

var (
	_ io.Reader = (*File)(nil)
	_ io.Writer = (*File)(nil)
	_ io.Closer = (*File)(nil)
)

// Open asks the host to open name on behalf of threadID.
func Open(sender reflection.Sender, threadID uint32, name string, opts ...OpenOption) (*File, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &File{sender: sender, name: name, threadID: threadID}

	var reply wireformat.OpenReply
	if err := f.call(&wireformat.OpenRequest{Name: name, Flags: cfg.flags}, &reply); err != nil {
		return nil, err
	}
	if err := domainErrors.CheckStatus("open "+name, reply.Status); err != nil {
		return nil, err
	}

	f.handle = reply.Handle
	f.size = reply.Size
	f.state = stateOpen
	return f, nil
}

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

// Handle returns the host-assigned handle.
func (f *File) Handle() uint32 { return f.handle }

// Size returns the file size last reported by the host.
func (f *File) Size() uint64 { return f.size }

// TellG returns the get cursor.
func (f *File) TellG() uint64 { return f.getPos }

// TellP returns the put cursor.
func (f *File) TellP() uint64 { return f.putPos }

// SeekG moves the get cursor. Bounds are checked by the host on the next Read.
func (f *File) SeekG(pos uint64) { f.getPos = pos }

// SeekP moves the put cursor. Bounds are checked by the host on the next Write.
func (f *File) SeekP(pos uint64) { f.putPos = pos }

// Read reads up to len(p) bytes at the get cursor and advances it. It
// returns io.EOF when the cursor is at the end of the file.
func (f *File) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		want := min(len(p)-total, wireformat.ChunkSize)

		var reply wireformat.ReadReply
		//nolint:gosec // G115: want <= ChunkSize
		req := &wireformat.ReadRequest{Handle: f.handle, Size: uint32(want), Pointer: f.getPos}
		if err := f.call(req, &reply); err != nil {
			return total, err
		}
		if err := domainErrors.CheckStatus("read "+f.name, reply.Status); err != nil {
			return total, err
		}
		if len(reply.Data) > want {
			return total, f.violation("read reply",
				fmt.Errorf("%w: %d bytes for a %d byte read", wireformat.ErrPayloadSize, len(reply.Data), want))
		}

		n := copy(p[total:], reply.Data)
		total += n
		f.getPos += uint64(n)
		if n < want {
			break
		}
	}

	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write writes p at the put cursor and advances it.
func (f *File) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := p[total:min(len(p), total+wireformat.ChunkSize)]

		var reply wireformat.WriteReply
		req := &wireformat.WriteRequest{Handle: f.handle, Pointer: f.putPos, Data: chunk}
		if err := f.call(req, &reply); err != nil {
			return total, err
		}
		if err := domainErrors.CheckStatus("write "+f.name, reply.Status); err != nil {
			return total, err
		}

		n := int(reply.Count)
		if n > len(chunk) {
			return total, f.violation("write reply",
				fmt.Errorf("%w: %d bytes for a %d byte write", wireformat.ErrPayloadSize, n, len(chunk)))
		}
		total += n
		f.putPos += uint64(n)
		f.size = reply.Size
		if n < len(chunk) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Close releases the host handle. Closing a removed or already closed file
// is a no-op.
func (f *File) Close() error {
	if f.state != stateOpen {
		return nil
	}

	var reply wireformat.TeardownReply
	if err := f.call(&wireformat.TeardownRequest{Handle: f.handle}, &reply); err != nil {
		return err
	}
	f.state = stateClosed
	return domainErrors.CheckStatus("close "+f.name, reply.Status)
}

// Remove deletes the file on the host and releases its handle. The File is
// unusable afterwards.
func (f *File) Remove() error {
	var reply wireformat.DeleteReply
	if err := f.call(&wireformat.DeleteRequest{Handle: f.handle}, &reply); err != nil {
		return err
	}
	// The host releases the handle whatever the status.
	f.state = stateRemoved
	return domainErrors.CheckStatus("remove "+f.name, reply.Status)
}

func (f *File) String() string {
	return fmt.Sprintf("file(%s, handle=%d, %s)", f.name, f.handle, f.state)
}

func (f *File) call(req, reply wireformat.Body) error {
	return reflection.Call(f.sender, f.threadID, req, reply)
}

// violation fails the channel for a reply that decoded but contradicts its
// request.
func (f *File) violation(reason string, err error) error {
	perr := domainErrors.NewProtocolError(reason, err)
	f.sender.Fail(perr)
	return perr
}
