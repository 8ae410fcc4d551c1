package hostfuncs

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnobService_Lookup(t *testing.T) {
	knobs := map[string]string{
		"queue.depth": "16",
		"huge":        strings.Repeat("x", wireformat.MaxKnobValue+1),
	}
	svc := NewKnobService(knobs)
	knobs["queue.depth"] = "mutated"

	tests := []struct {
		name      string
		knob      string
		want      wireformat.Status
		wantValue string
	}{
		{"known", "queue.depth", wireformat.StatusOK, "16"},
		{"unknown", "missing", wireformat.StatusNotFound, ""},
		{"too large", "huge", wireformat.StatusOutOfBounds, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := svc.Lookup(context.Background(), &wireformat.KnobRequest{Name: tt.knob})
			assert.Equal(t, tt.want, reply.Status)
			assert.Equal(t, tt.wantValue, reply.Value)
		})
	}
	assert.Equal(t, []string{"huge", "queue.depth"}, svc.Names())
}

func TestLogSink_Handle(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := NewHostContext(context.Background(), wireformat.Header{Type: wireformat.Asynchronous, ThreadID: 12, Handler: wireformat.HandlerHostLog})
	sink.Handle(ctx, &wireformat.LogRecord{Level: int32(slog.LevelWarn), Message: "queue nearly full"})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="queue nearly full"`)
	assert.Contains(t, out, "source=compute")
	assert.Contains(t, out, "thread_id=12")
}

func TestBundles_Registration(t *testing.T) {
	files, err := NewFileService(t.TempDir())
	require.NoError(t, err)
	defer files.Close()

	reg, err := NewRegistry(
		WithMiddleware(PanicRecoveryMiddleware()),
		WithBundle(Bundles(
			FileBundle(files),
			KnobBundle(NewKnobService(nil)),
			LogBundle(NewLogSink(nil)),
		)),
	)
	require.NoError(t, err)
	assert.Equal(t, wireformat.Handlers(), reg.Handlers())

	_, err = NewRegistry(WithBundle(FileBundle(files)), WithBundle(FileBundle(files)))
	require.Error(t, err)
}

func TestFileBundle_InvokeRead(t *testing.T) {
	files, err := NewFileService(t.TempDir())
	require.NoError(t, err)
	defer files.Close()
	require.NoError(t, os.WriteFile(filepath.Join(files.Root(), "f"), []byte("hello"), 0o600))

	reg, err := NewRegistry(WithBundle(FileBundle(files)))
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := reg.Invoke(ctx, syncHeader(wireformat.HandlerOpenFile), wireformat.MustEncode(&wireformat.OpenRequest{Name: "f"}).Payload())
	require.NoError(t, err)
	var open wireformat.OpenReply
	require.NoError(t, wireformat.DecodeInto(wireformat.NewMessage(wireformat.HandlerOpenFile, resp), &open))
	require.Equal(t, wireformat.StatusOK, open.Status)

	resp, err = reg.Invoke(ctx, syncHeader(wireformat.HandlerFileRead),
		wireformat.MustEncode(&wireformat.ReadRequest{Handle: open.Handle, Size: 5}).Payload())
	require.NoError(t, err)
	var read wireformat.ReadReply
	require.NoError(t, wireformat.DecodeInto(wireformat.NewMessage(wireformat.HandlerFileRead, resp), &read))
	assert.Equal(t, "hello", string(read.Data))

	_, err = reg.Invoke(ctx, syncHeader(wireformat.HandlerFileRead), []byte{1})
	require.ErrorIs(t, err, wireformat.ErrPayloadSize)
}

func TestStatusOf(t *testing.T) {
	_, err := os.Open(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, wireformat.StatusNotFound, StatusOf(err))
	assert.Equal(t, wireformat.StatusOK, StatusOf(nil))
	assert.Equal(t, wireformat.StatusIOError, StatusOf(os.ErrDeadlineExceeded))
	assert.Equal(t, wireformat.StatusNotOpen, StatusOf(os.ErrClosed))
}
