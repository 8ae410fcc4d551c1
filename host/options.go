package host

import (
	"log/slog"

	"github.com/hostreflect/hostreflect/hostfuncs"
	"github.com/hostreflect/hostreflect/wireformat"
)

// bootConfig holds configuration for New.
type bootConfig struct {
	logger       *slog.Logger
	registry     *hostfuncs.HandlerRegistry
	registryOpts []hostfuncs.RegistryOption
}

// Option configures a BootUp.
type Option func(*bootConfig)

// WithHandler registers fn for frames tagged id.
func WithHandler(id wireformat.HandlerID, fn hostfuncs.ByteHandler) Option {
	return func(c *bootConfig) {
		c.registryOpts = append(c.registryOpts, hostfuncs.WithByteHandler(id, fn))
	}
}

// WithBundle registers every handler of bundle.
func WithBundle(bundle hostfuncs.HostFuncBundle) Option {
	return func(c *bootConfig) {
		c.registryOpts = append(c.registryOpts, hostfuncs.WithBundle(bundle))
	}
}

// WithMiddleware wraps every handler. Panic recovery is always installed
// outermost.
func WithMiddleware(mw ...hostfuncs.Middleware) Option {
	return func(c *bootConfig) {
		c.registryOpts = append(c.registryOpts, hostfuncs.WithMiddleware(mw...))
	}
}

// WithRegistry uses a prebuilt registry instead of building one from
// WithHandler, WithBundle and WithMiddleware, which are then ignored.
func WithRegistry(registry *hostfuncs.HandlerRegistry) Option {
	return func(c *bootConfig) {
		c.registry = registry
	}
}

// WithLogger sets the logger for dispatcher events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *bootConfig) {
		c.logger = logger
	}
}
