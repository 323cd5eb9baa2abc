package detour

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In       []*argDifference
	Out      []*argDifference
	Variadic bool
}

func (d *funcDifferences) empty() bool {
	if d.Variadic {
		return false
	}
	for _, arg := range d.In {
		if arg != nil {
			return false
		}
	}
	for _, out := range d.Out {
		if out != nil {
			return false
		}
	}
	return true
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	if d.Variadic {
		errs = append(errs, errors.New("variadic mismatch"))
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffTypes(a, b []reflect.Type) []*argDifference {
	n := max(len(a), len(b))
	diffs := make([]*argDifference, n)
	for i := 0; i < n; i++ {
		var at, bt reflect.Type
		if i < len(a) {
			at = a[i]
		}
		if i < len(b) {
			bt = b[i]
		}
		if at != bt {
			diffs[i] = &argDifference{A: at, B: bt}
		}
	}
	return diffs
}

func ins(t reflect.Type) []reflect.Type {
	types := make([]reflect.Type, t.NumIn())
	for i := range types {
		types[i] = t.In(i)
	}
	return types
}

func outs(t reflect.Type) []reflect.Type {
	types := make([]reflect.Type, t.NumOut())
	for i := range types {
		types[i] = t.Out(i)
	}
	return types
}

func diffFuncs(a, b reflect.Type) *funcDifferences {
	return &funcDifferences{
		In:       diffTypes(ins(a), ins(b)),
		Out:      diffTypes(outs(a), outs(b)),
		Variadic: a.IsVariadic() != b.IsVariadic(),
	}
}

// checkSignature returns nil when a and b have identical parameters and
// results.
func checkSignature(a, b reflect.Type) error {
	diff := diffFuncs(a, b)
	if diff.empty() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSignatureMismatch, diff.Error())
}

// checkHookSignature verifies hook has the shape func(orig T, args...) where
// T is target and args/results match target's.
func checkHookSignature(target, hook reflect.Type) error {
	if hook.NumIn() == 0 || hook.In(0) != target {
		return fmt.Errorf("%w: hook must take %v as its first argument", ErrSignatureMismatch, target)
	}
	diff := &funcDifferences{
		In:       diffTypes(ins(target), ins(hook)[1:]),
		Out:      diffTypes(outs(target), outs(hook)),
		Variadic: target.IsVariadic() != hook.IsVariadic(),
	}
	if diff.empty() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSignatureMismatch, diff.Error())
}

func funcValue(fn any) (reflect.Value, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w, kind: %v", ErrNotFunc, v.Kind())
	}
	if v.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: nil function", ErrNotFunc)
	}
	return v, nil
}

func call(fn reflect.Value, args []reflect.Value) []reflect.Value {
	if fn.Type().IsVariadic() {
		return fn.CallSlice(args)
	}
	return fn.Call(args)
}
