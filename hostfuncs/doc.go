// Package hostfuncs provides the host side of the reflection protocol: the
// immutable handler registry consulted by the dispatcher, the middleware
// chain wrapped around every handler, and the built-in services (sandboxed
// file access, knob lookup, compute-side logging) that compute images call.
//
// Handlers never fail across the boundary. A handler that errors or panics
// is answered with a reply of the correct size carrying a non-OK status.
//
// Implementations here have no WebAssembly runtime dependencies; they only
// see decoded payloads.
package hostfuncs
