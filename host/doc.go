// Package host models the process whose methods are intercepted.
//
// A host owns a MethodTable of named slots. Each slot is a function variable
// the host calls through; redirecting a slot changes what every caller runs.
// The host also tracks loaded plugin modules and signals their load and
// unload to subscribers in priority order.
package host
