// Package detour redirects functions at runtime.
//
// Two families of redirection are supported. Managed detours replace the
// function stored in a host method-table slot. Native detours overwrite the
// entry point of a compiled Go function with a jump and keep a relocated
// copy of the original body around, so the original stays callable.
//
// Every target carries a chain of detours, oldest first. The target always
// dispatches to the newest detour, and each detour's trampoline calls the
// next older one, ending at the original. Any link can be undone; when the
// last one goes the target is restored exactly.
//
// An Engine can be told to hand its work to another engine through the
// forwarding slots (OnInstall, OnUndo and friends). That is how several
// copies of the library in one process agree on a single engine doing the
// patching.
//
// Native detour limitations:
//   - Only supports amd64 on Linux
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to redefine inlined functions, so mark targets
//     //go:noinline
//   - Replacements must be top-level functions, not closures
package detour
