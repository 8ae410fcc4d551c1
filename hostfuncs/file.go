package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hostreflect/hostreflect/wireformat"
)

// fileServiceConfig holds configuration for NewFileService.
type fileServiceConfig struct {
	logger          *slog.Logger
	allow           []string
	firstHandle     uint32
	resolveSymlinks bool
}

// FileServiceOption configures a FileService.
type FileServiceOption func(*fileServiceConfig)

// WithAllowedPatterns restricts the files compute images may open to names
// matching one of the doublestar patterns, relative to the root (e.g.
// "data/**/*.bin"). With no patterns every file under the root is allowed.
func WithAllowedPatterns(patterns ...string) FileServiceOption {
	return func(c *fileServiceConfig) {
		c.allow = append(c.allow, patterns...)
	}
}

// WithSymlinkResolution enables or disables resolving symlinks before the
// root confinement check. Enabled by default.
func WithSymlinkResolution(enabled bool) FileServiceOption {
	return func(c *fileServiceConfig) {
		c.resolveSymlinks = enabled
	}
}

// WithFirstHandle sets the first handle value issued. Handles increase from
// there and are never reused.
func WithFirstHandle(handle uint32) FileServiceOption {
	return func(c *fileServiceConfig) {
		c.firstHandle = handle
	}
}

// WithFileLogger sets the logger for file service events.
func WithFileLogger(logger *slog.Logger) FileServiceOption {
	return func(c *fileServiceConfig) {
		c.logger = logger
	}
}

type openFile struct {
	f    *os.File
	name string
	path string
}

// FileService serves the file protocol from a sandbox directory. Compute
// images name files relative to the root and refer to open files through
// opaque handles.
type FileService struct {
	logger          *slog.Logger
	files           map[uint32]*openFile
	root            string
	allow           []string
	mu              sync.Mutex
	next            uint32
	resolveSymlinks bool
}

// NewFileService creates a service confined to root, which must be an
// existing directory.
func NewFileService(root string, opts ...FileServiceOption) (*FileService, error) {
	cfg := fileServiceConfig{
		logger:          slog.Default(),
		firstHandle:     1,
		resolveSymlinks: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, pattern := range cfg.allow {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid file pattern %q", pattern)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file root: %w", err)
	}
	if cfg.resolveSymlinks {
		if abs, err = filepath.EvalSymlinks(abs); err != nil {
			return nil, fmt.Errorf("failed to resolve file root: %w", err)
		}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("file root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("file root %s is not a directory", abs)
	}

	return &FileService{
		logger:          cfg.logger,
		files:           make(map[uint32]*openFile),
		root:            abs,
		allow:           cfg.allow,
		next:            cfg.firstHandle,
		resolveSymlinks: cfg.resolveSymlinks,
	}, nil
}

// Root returns the sandbox directory.
func (s *FileService) Root() string {
	return s.root
}

// OpenCount returns the number of open handles.
func (s *FileService) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Open opens or creates a file under the root and issues a handle for it.
func (s *FileService) Open(ctx context.Context, req *wireformat.OpenRequest) *wireformat.OpenReply {
	path, err := s.resolve(req.Name)
	if err != nil {
		s.logger.WarnContext(ctx, "file open refused", "name", req.Name, "error", err)
		return &wireformat.OpenReply{Status: wireformat.StatusInvalidArgument}
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return &wireformat.OpenReply{Status: wireformat.StatusInvalidArgument}
	}

	flags := os.O_RDWR
	if req.Flags&wireformat.OpenCreate != 0 {
		flags |= os.O_CREATE
	}
	if req.Flags&wireformat.OpenTruncate != 0 {
		flags |= os.O_TRUNC
	}

	//nolint:gosec // G304: path is confined to the service root by resolve
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return &wireformat.OpenReply{Status: StatusOf(err)}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &wireformat.OpenReply{Status: StatusOf(err)}
	}

	s.mu.Lock()
	handle := s.next
	s.next++
	s.files[handle] = &openFile{f: f, name: req.Name, path: path}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "file opened", "name", req.Name, "handle", handle, "size", info.Size())
	return &wireformat.OpenReply{Status: wireformat.StatusOK, Handle: handle, Size: uint64(info.Size())}
}

// Teardown closes a handle.
func (s *FileService) Teardown(ctx context.Context, req *wireformat.TeardownRequest) *wireformat.TeardownReply {
	of, ok := s.take(req.Handle)
	if !ok {
		return &wireformat.TeardownReply{Status: wireformat.StatusNotOpen}
	}
	if err := of.f.Close(); err != nil {
		return &wireformat.TeardownReply{Status: StatusOf(err)}
	}
	s.logger.DebugContext(ctx, "file closed", "name", of.name, "handle", req.Handle)
	return &wireformat.TeardownReply{Status: wireformat.StatusOK}
}

// Delete closes a handle and removes its file.
func (s *FileService) Delete(ctx context.Context, req *wireformat.DeleteRequest) *wireformat.DeleteReply {
	of, ok := s.take(req.Handle)
	if !ok {
		return &wireformat.DeleteReply{Status: wireformat.StatusNotOpen}
	}
	_ = of.f.Close()
	if err := os.Remove(of.path); err != nil {
		return &wireformat.DeleteReply{Status: StatusOf(err)}
	}
	s.logger.DebugContext(ctx, "file removed", "name", of.name, "handle", req.Handle)
	return &wireformat.DeleteReply{Status: wireformat.StatusOK}
}

// Read reads up to req.Size bytes at req.Pointer. Reading at the end of the
// file returns no data; reading past it is out of bounds.
func (s *FileService) Read(_ context.Context, req *wireformat.ReadRequest) *wireformat.ReadReply {
	if req.Size > wireformat.ChunkSize {
		return &wireformat.ReadReply{Status: wireformat.StatusInvalidArgument}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	of, ok := s.files[req.Handle]
	if !ok {
		return &wireformat.ReadReply{Status: wireformat.StatusNotOpen}
	}
	size, err := fileSize(of.f)
	if err != nil {
		return &wireformat.ReadReply{Status: StatusOf(err)}
	}
	if req.Pointer > size {
		return &wireformat.ReadReply{Status: wireformat.StatusOutOfBounds}
	}

	n := min(uint64(req.Size), size-req.Pointer)
	buf := make([]byte, n)
	//nolint:gosec // G115: Pointer <= size, which fits int64
	read, err := of.f.ReadAt(buf, int64(req.Pointer))
	if err != nil && !errors.Is(err, io.EOF) {
		return &wireformat.ReadReply{Status: StatusOf(err)}
	}
	return &wireformat.ReadReply{Status: wireformat.StatusOK, Data: buf[:read]}
}

// Write writes req.Data at req.Pointer. Writing may extend the file but must
// not leave a gap past its end.
func (s *FileService) Write(_ context.Context, req *wireformat.WriteRequest) *wireformat.WriteReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	of, ok := s.files[req.Handle]
	if !ok {
		return &wireformat.WriteReply{Status: wireformat.StatusNotOpen}
	}
	size, err := fileSize(of.f)
	if err != nil {
		return &wireformat.WriteReply{Status: StatusOf(err)}
	}
	if req.Pointer > size {
		return &wireformat.WriteReply{Status: wireformat.StatusOutOfBounds, Size: size}
	}

	//nolint:gosec // G115: Pointer <= size, which fits int64
	n, err := of.f.WriteAt(req.Data, int64(req.Pointer))
	if err != nil {
		return &wireformat.WriteReply{Status: StatusOf(err), Count: uint32(n), Size: size}
	}
	if size, err = fileSize(of.f); err != nil {
		return &wireformat.WriteReply{Status: StatusOf(err), Count: uint32(n)}
	}
	return &wireformat.WriteReply{Status: wireformat.StatusOK, Count: uint32(n), Size: size}
}

// Close closes every open handle. Handles issued before Close stay invalid.
func (s *FileService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for handle, of := range s.files {
		if err := of.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", of.name, err))
		}
		delete(s.files, handle)
	}
	return errors.Join(errs...)
}

func (s *FileService) take(handle uint32) (*openFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	of, ok := s.files[handle]
	if ok {
		delete(s.files, handle)
	}
	return of, ok
}

// resolve maps a compute-side name to a path inside the root.
func (s *FileService) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute file name %q", name)
	}

	path := filepath.Join(s.root, filepath.Clean(name))
	if s.resolveSymlinks {
		// Only existing prefixes can be resolved; a file about to be
		// created is checked through its parent directory.
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		} else if dir, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
			path = filepath.Join(dir, filepath.Base(path))
		}
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes the root", name)
	}

	if len(s.allow) == 0 {
		return path, nil
	}
	slashed := filepath.ToSlash(rel)
	for _, pattern := range s.allow {
		if matched, _ := doublestar.Match(pattern, slashed); matched {
			return path, nil
		}
	}
	return "", fmt.Errorf("file name %q is not allowed", name)
}

func fileSize(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	//nolint:gosec // G115: file sizes are non-negative
	return uint64(info.Size()), nil
}
