// Package hookctx patches host methods on behalf of plugin modules and
// cleans up after them.
//
// A process can hold several copies of the library, each bundled by a
// different plugin. Each copy is an Instance. The first time an instance is
// used it holds an election: the instance with the highest version leads and
// every older one becomes a follower that forwards installs, undos,
// trampolines and endpoint changes to the leader through a fixed set of
// closures (Handlers). Only the leader rewrites dispatch, so patches from
// every plugin chain on one engine.
//
// Every patch is attributed to a module, explicitly or by walking the call
// stack, and undone when that module unloads. Patches without an owner stay
// until their creator disposes them.
//
// Limitations:
//   - Callers must serialize installs and undos on the same target
//   - Stack attribution sees through reflection but not through goroutines
//   - Native detours only work on linux/amd64
package hookctx
