package hostfuncs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileService(t *testing.T, opts ...FileServiceOption) (*FileService, string) {
	t.Helper()
	root := t.TempDir()
	svc, err := NewFileService(root, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, svc.Root()
}

func openExisting(t *testing.T, svc *FileService, name string) *wireformat.OpenReply {
	t.Helper()
	reply := svc.Open(context.Background(), &wireformat.OpenRequest{Name: name})
	require.Equal(t, wireformat.StatusOK, reply.Status)
	return reply
}

func TestNewFileService_Validation(t *testing.T) {
	_, err := NewFileService(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewFileService(file)
	require.Error(t, err)

	_, err = NewFileService(t.TempDir(), WithAllowedPatterns("[unclosed"))
	require.Error(t, err)
}

func TestFileService_Open(t *testing.T) {
	svc, root := newFileService(t, WithFirstHandle(7))
	require.NoError(t, os.WriteFile(filepath.Join(root, "test.bin"), make([]byte, 128), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	reply := openExisting(t, svc, "test.bin")
	assert.Equal(t, uint32(7), reply.Handle)
	assert.Equal(t, uint64(128), reply.Size)

	tests := []struct {
		name string
		req  wireformat.OpenRequest
		want wireformat.Status
	}{
		{"missing file", wireformat.OpenRequest{Name: "nope.bin"}, wireformat.StatusNotFound},
		{"escapes root", wireformat.OpenRequest{Name: "../outside.bin", Flags: wireformat.OpenCreate}, wireformat.StatusInvalidArgument},
		{"absolute", wireformat.OpenRequest{Name: "/etc/passwd"}, wireformat.StatusInvalidArgument},
		{"empty", wireformat.OpenRequest{}, wireformat.StatusInvalidArgument},
		{"root itself", wireformat.OpenRequest{Name: "."}, wireformat.StatusInvalidArgument},
		{"directory", wireformat.OpenRequest{Name: "dir"}, wireformat.StatusInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := svc.Open(context.Background(), &tt.req)
			assert.Equal(t, tt.want, reply.Status)
		})
	}
	assert.Equal(t, 1, svc.OpenCount())
}

func TestFileService_OpenCreateTruncate(t *testing.T) {
	svc, root := newFileService(t)

	created := svc.Open(context.Background(), &wireformat.OpenRequest{Name: "new.bin", Flags: wireformat.OpenCreate})
	require.Equal(t, wireformat.StatusOK, created.Status)
	assert.Zero(t, created.Size)
	assert.FileExists(t, filepath.Join(root, "new.bin"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "full.bin"), []byte("content"), 0o600))
	truncated := svc.Open(context.Background(), &wireformat.OpenRequest{Name: "full.bin", Flags: wireformat.OpenTruncate})
	require.Equal(t, wireformat.StatusOK, truncated.Status)
	assert.Zero(t, truncated.Size)
	assert.NotEqual(t, created.Handle, truncated.Handle)
}

func TestFileService_SymlinkEscape(t *testing.T) {
	svc, root := newFileService(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")))

	reply := svc.Open(context.Background(), &wireformat.OpenRequest{Name: "link"})
	assert.Equal(t, wireformat.StatusInvalidArgument, reply.Status)
}

func TestFileService_AllowedPatterns(t *testing.T) {
	svc, root := newFileService(t, WithAllowedPatterns("data/**/*.bin"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "a"), 0o755))

	ok := svc.Open(context.Background(), &wireformat.OpenRequest{Name: "data/a/x.bin", Flags: wireformat.OpenCreate})
	assert.Equal(t, wireformat.StatusOK, ok.Status)

	denied := svc.Open(context.Background(), &wireformat.OpenRequest{Name: "data/a/x.txt", Flags: wireformat.OpenCreate})
	assert.Equal(t, wireformat.StatusInvalidArgument, denied.Status)
	assert.NoFileExists(t, filepath.Join(root, "data", "a", "x.txt"))
}

func TestFileService_Read(t *testing.T) {
	svc, root := newFileService(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 8)
	require.NoError(t, os.WriteFile(filepath.Join(root, "test.bin"), content, 0o600))
	h := openExisting(t, svc, "test.bin").Handle

	tests := []struct {
		name     string
		req      wireformat.ReadRequest
		want     wireformat.Status
		wantData []byte
	}{
		{"head", wireformat.ReadRequest{Handle: h, Size: 64}, wireformat.StatusOK, content[:64]},
		{"short at tail", wireformat.ReadRequest{Handle: h, Size: 64, Pointer: 100}, wireformat.StatusOK, content[100:]},
		{"at end", wireformat.ReadRequest{Handle: h, Size: 64, Pointer: 128}, wireformat.StatusOK, []byte{}},
		{"past end", wireformat.ReadRequest{Handle: h, Size: 1, Pointer: 129}, wireformat.StatusOutOfBounds, nil},
		{"stale handle", wireformat.ReadRequest{Handle: h + 1, Size: 1}, wireformat.StatusNotOpen, nil},
		{"oversize", wireformat.ReadRequest{Handle: h, Size: wireformat.ChunkSize + 1}, wireformat.StatusInvalidArgument, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := svc.Read(context.Background(), &tt.req)
			assert.Equal(t, tt.want, reply.Status)
			if tt.want == wireformat.StatusOK {
				assert.Equal(t, tt.wantData, reply.Data)
			}
		})
	}
}

func TestFileService_Write(t *testing.T) {
	svc, root := newFileService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "test.bin"), []byte("abcd"), 0o600))
	h := openExisting(t, svc, "test.bin").Handle

	overwrite := svc.Write(context.Background(), &wireformat.WriteRequest{Handle: h, Pointer: 1, Data: []byte("XY")})
	require.Equal(t, wireformat.StatusOK, overwrite.Status)
	assert.Equal(t, uint32(2), overwrite.Count)
	assert.Equal(t, uint64(4), overwrite.Size)

	appended := svc.Write(context.Background(), &wireformat.WriteRequest{Handle: h, Pointer: 4, Data: []byte("efg")})
	require.Equal(t, wireformat.StatusOK, appended.Status)
	assert.Equal(t, uint64(7), appended.Size)

	gap := svc.Write(context.Background(), &wireformat.WriteRequest{Handle: h, Pointer: 9, Data: []byte("z")})
	assert.Equal(t, wireformat.StatusOutOfBounds, gap.Status)

	got, err := os.ReadFile(filepath.Join(root, "test.bin"))
	require.NoError(t, err)
	assert.Equal(t, "aXYdefg", string(got))
}

func TestFileService_TeardownAndDelete(t *testing.T) {
	svc, root := newFileService(t)
	path := filepath.Join(root, "test.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	first := openExisting(t, svc, "test.bin").Handle
	teardown := svc.Teardown(context.Background(), &wireformat.TeardownRequest{Handle: first})
	assert.Equal(t, wireformat.StatusOK, teardown.Status)
	assert.Equal(t, wireformat.StatusNotOpen, svc.Teardown(context.Background(), &wireformat.TeardownRequest{Handle: first}).Status)
	assert.FileExists(t, path)

	second := openExisting(t, svc, "test.bin").Handle
	assert.Greater(t, second, first, "handles are never reused")

	del := svc.Delete(context.Background(), &wireformat.DeleteRequest{Handle: second})
	assert.Equal(t, wireformat.StatusOK, del.Status)
	assert.NoFileExists(t, path)

	assert.Equal(t, wireformat.StatusNotOpen, svc.Delete(context.Background(), &wireformat.DeleteRequest{Handle: second}).Status)
	assert.Equal(t, wireformat.StatusNotOpen, svc.Read(context.Background(), &wireformat.ReadRequest{Handle: second, Size: 1}).Status)
	assert.Equal(t, wireformat.StatusNotOpen, svc.Write(context.Background(), &wireformat.WriteRequest{Handle: second}).Status)
	assert.Zero(t, svc.OpenCount())
}

func TestFileService_Close(t *testing.T) {
	svc, root := newFileService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), nil, 0o600))
	h := openExisting(t, svc, "a").Handle

	require.NoError(t, svc.Close())
	assert.Zero(t, svc.OpenCount())
	assert.Equal(t, wireformat.StatusNotOpen, svc.Read(context.Background(), &wireformat.ReadRequest{Handle: h}).Status)
}
