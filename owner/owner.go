// Package owner attributes patches to the plugin module responsible for them.
//
// Explicit tagging is preferred: callers that know which module they act for
// pass an ID. For callers that cannot, Caller walks the active call stack
// and picks the first frame outside the interception library's internals.
package owner

import (
	"reflect"
	"runtime"
	"strings"
)

// ID identifies a module. None means the patch is ownerless and will not be
// disposed by any module's unload.
type ID string

const None ID = ""

// Resolver maps a Go package path to the module that contains it.
type Resolver interface {
	ModuleForPackage(pkg string) (string, bool)
}

// Internals is the set of package paths that belong to the interception
// library itself. Matching is exact, so "x/detour_test" is not inside
// "x/detour".
type Internals map[string]struct{}

func NewInternals(pkgs ...string) Internals {
	in := make(Internals, len(pkgs))
	for _, pkg := range pkgs {
		in[pkg] = struct{}{}
	}
	return in
}

// Add returns a copy of in extended with pkgs.
func (in Internals) Add(pkgs ...string) Internals {
	out := make(Internals, len(in)+len(pkgs))
	for pkg := range in {
		out[pkg] = struct{}{}
	}
	for _, pkg := range pkgs {
		out[pkg] = struct{}{}
	}
	return out
}

func (in Internals) Contains(pkg string) bool {
	_, ok := in[pkg]
	return ok
}

// PackageOf extracts the package path from a fully qualified function name
// as reported by runtime.Frame.Function, e.g.
// "example.com/mod/pkg.(*T).Method.func1" -> "example.com/mod/pkg".
func PackageOf(funcName string) string {
	slash := strings.LastIndexByte(funcName, '/')
	dot := strings.IndexByte(funcName[slash+1:], '.')
	if dot < 0 {
		return funcName
	}
	return funcName[:slash+1+dot]
}

// PackageOfFunc returns the package that declares fn, or "" if fn is not a
// function.
func PackageOfFunc(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	return PackageOf(f.Name())
}

// transparent frames have no declaring unit of their own: reflection and
// runtime plumbing between the library and its caller.
func transparent(pkg string) bool {
	return pkg == "runtime" || pkg == "reflect" || strings.HasPrefix(pkg, "internal/")
}

// Attribute runs the attribution state machine over function names ordered
// innermost first.
//
// State 0 skips frames until one inside internals is found. State 1 skips
// frames that are still inside internals. The first frame after that is the
// owner. Runtime and reflection frames are skipped in both states. A stack
// that never leaves the internals, or an owner package no module claims,
// yields None.
func Attribute(frames []string, internals Internals, resolver Resolver) ID {
	state := 0
	for _, fn := range frames {
		pkg := PackageOf(fn)
		if pkg == "" || transparent(pkg) {
			continue
		}

		switch state {
		case 0:
			if internals.Contains(pkg) {
				state = 1
			}
			continue
		case 1:
			if internals.Contains(pkg) {
				continue
			}
		}

		if resolver == nil {
			return None
		}
		name, ok := resolver.ModuleForPackage(pkg)
		if !ok {
			return None
		}
		return ID(name)
	}
	return None
}

const maxDepth = 64

// Caller attributes the current call stack.
func Caller(internals Internals, resolver Resolver) ID {
	return Attribute(Stack(1), internals, resolver)
}

// Stack returns function names of the calling goroutine's stack, innermost
// first, skipping skip frames above Stack's caller.
func Stack(skip int) []string {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	names := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			names = append(names, frame.Function)
		}
		if !more {
			break
		}
	}
	return names
}

// OfFunc attributes fn to the module that declares it.
func OfFunc(fn any, resolver Resolver) ID {
	pkg := PackageOfFunc(fn)
	if pkg == "" || resolver == nil {
		return None
	}
	name, ok := resolver.ModuleForPackage(pkg)
	if !ok {
		return None
	}
	return ID(name)
}
