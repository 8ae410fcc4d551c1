package wazero

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hostreflect/hostreflect/infrastructure/memory"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// PageSize is the WebAssembly page size.
const PageSize = 65536

// regionConfig holds configuration for NewRegion.
type regionConfig struct {
	moduleName string
}

// RegionOption configures a Region.
type RegionOption func(*regionConfig)

// WithModuleName sets the instance name of the compute image. Names must be
// unique within a runtime; the default is a random "reflect-<uuid>".
func WithModuleName(name string) RegionOption {
	return func(c *regionConfig) {
		c.moduleName = name
	}
}

// Region exposes the linear memory of a compute image as a memory.Region.
type Region struct {
	module api.Module
	mem    api.Memory
}

var _ memory.Region = (*Region)(nil)

// NewRegion instantiates a memory-only module with at least size bytes of
// linear memory in rt and returns a Region over it.
func NewRegion(ctx context.Context, rt wazero.Runtime, size uint32, opts ...RegionOption) (*Region, error) {
	cfg := regionConfig{moduleName: "reflect-" + uuid.NewString()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pages := (uint64(size) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	mod, err := rt.InstantiateWithConfig(ctx, memoryModule(uint32(pages)),
		wazero.NewModuleConfig().WithName(cfg.moduleName))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate compute image: %w", err)
	}

	mem := mod.Memory()
	if mem == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("compute image %q exports no memory", cfg.moduleName)
	}

	return &Region{module: mod, mem: mem}, nil
}

// Name returns the instance name of the compute image.
func (r *Region) Name() string {
	return r.module.Name()
}

func (r *Region) Size() uint32 {
	return r.mem.Size()
}

func (r *Region) ReadAt(offset uint32, dst []byte) error {
	src, ok := r.mem.Read(offset, uint32(len(dst)))
	if !ok {
		return memory.ErrOutOfBounds
	}
	copy(dst, src)
	return nil
}

func (r *Region) WriteAt(offset uint32, src []byte) error {
	if !r.mem.Write(offset, src) {
		return memory.ErrOutOfBounds
	}
	return nil
}

func (r *Region) LoadUint32(offset uint32) (uint32, error) {
	if offset%4 != 0 {
		return 0, memory.ErrMisaligned
	}
	v, ok := r.mem.ReadUint32Le(offset)
	if !ok {
		return 0, memory.ErrOutOfBounds
	}
	return v, nil
}

func (r *Region) StoreUint32(offset uint32, val uint32) error {
	if offset%4 != 0 {
		return memory.ErrMisaligned
	}
	if !r.mem.WriteUint32Le(offset, val) {
		return memory.ErrOutOfBounds
	}
	return nil
}

// Close tears the compute image down.
func (r *Region) Close() error {
	return r.module.Close(context.Background())
}

// memoryModule encodes a module that defines and exports one memory of the
// given minimum page count:
//
//	(module (memory (export "memory") <pages>))
func memoryModule(pages uint32) []byte {
	limits := append([]byte{0x00}, uleb128(pages)...)
	memSection := append([]byte{0x01}, limits...)

	name := "memory"
	export := []byte{0x01, byte(len(name))}
	export = append(export, name...)
	export = append(export, 0x02, 0x00)

	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, 0x05)
	bin = append(bin, uleb128(uint32(len(memSection)))...)
	bin = append(bin, memSection...)
	bin = append(bin, 0x07)
	bin = append(bin, uleb128(uint32(len(export)))...)
	return append(bin, export...)
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}
