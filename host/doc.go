// Package host runs the host side of a reflection channel.
//
// BootUp owns the immutable handler registry and exactly one dispatch
// goroutine per channel. The goroutine drains the request queue, invokes the
// handler registered for each frame's id, and pushes the reply for
// synchronous frames, tagged with the caller's key.
//
// All handlers are registered through options to New, before the dispatcher
// starts. A compute image must not issue calls before its BootUp exists.
//
// Protocol violations (an unknown id, a malformed frame, a reply of the
// wrong size) are fatal: the dispatcher stops, the channel fails, and every
// caller waiting on it returns the violation. Handler failures are not
// violations; they are answered in-band with an Internal status.
//
// Runtime ties this to wazero: it boots each compute image in its own
// linear memory and starts a BootUp over the channel laid out there.
package host
