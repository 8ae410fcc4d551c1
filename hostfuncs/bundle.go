package hostfuncs

import (
	"github.com/hostreflect/hostreflect/wireformat"
)

// HostFuncBundle is a pre-configured set of related host functions.
// Bundles allow registering multiple handlers at once.
type HostFuncBundle interface {
	// Handlers returns the handlers keyed by the id they serve.
	Handlers() map[wireformat.HandlerID]ByteHandler
}

type staticBundle struct {
	handlers map[wireformat.HandlerID]ByteHandler
}

func (b *staticBundle) Handlers() map[wireformat.HandlerID]ByteHandler {
	return b.handlers
}

// FileBundle returns the file protocol handlers served by svc:
// open_file, teardown_file, file_write, file_read, file_delete.
func FileBundle(svc *FileService) HostFuncBundle {
	return &staticBundle{
		handlers: map[wireformat.HandlerID]ByteHandler{
			wireformat.HandlerOpenFile:     NewBodyHandler(svc.Open),
			wireformat.HandlerTeardownFile: NewBodyHandler(svc.Teardown),
			wireformat.HandlerFileWrite:    NewBodyHandler(svc.Write),
			wireformat.HandlerFileRead:     NewBodyHandler(svc.Read),
			wireformat.HandlerFileDelete:   NewBodyHandler(svc.Delete),
		},
	}
}

// KnobBundle returns the knob_lookup handler served by svc.
func KnobBundle(svc *KnobService) HostFuncBundle {
	return &staticBundle{
		handlers: map[wireformat.HandlerID]ByteHandler{
			wireformat.HandlerKnobLookup: NewBodyHandler(svc.Lookup),
		},
	}
}

// LogBundle returns the asynchronous host_log handler served by sink.
func LogBundle(sink *LogSink) HostFuncBundle {
	return &staticBundle{
		handlers: map[wireformat.HandlerID]ByteHandler{
			wireformat.HandlerHostLog: NewAsyncHandler(sink.Handle),
		},
	}
}

type compositeBundle struct {
	bundles []HostFuncBundle
}

func (b *compositeBundle) Handlers() map[wireformat.HandlerID]ByteHandler {
	result := make(map[wireformat.HandlerID]ByteHandler)
	for _, bundle := range b.bundles {
		for id, handler := range bundle.Handlers() {
			result[id] = handler
		}
	}
	return result
}

// Bundles combines several bundles into one. Later bundles win on overlap.
func Bundles(bundles ...HostFuncBundle) HostFuncBundle {
	return &compositeBundle{bundles: bundles}
}

// WithBundle registers all handlers from a bundle.
func WithBundle(bundle HostFuncBundle) RegistryOption {
	return func(b *registryBuilder) {
		for id, handler := range bundle.Handlers() {
			if err := b.addHandler(id, handler); err != nil {
				b.errors = append(b.errors, err)
			}
		}
	}
}
