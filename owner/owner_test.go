package owner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type prefixResolver map[string]string

func (r prefixResolver) ModuleForPackage(pkg string) (string, bool) {
	for prefix, name := range r {
		if pkg == prefix || strings.HasPrefix(pkg, prefix+"/") {
			return name, true
		}
	}
	return "", false
}

const (
	libDetour   = "github.com/pboyd/hookctx/detour"
	libEndpoint = "github.com/pboyd/hookctx/endpoint"
)

var (
	internals = NewInternals(libDetour, libEndpoint)
	resolver  = prefixResolver{"example.com/plugin": "plugin", "example.com/other": "other"}
)

func TestPackageOf(t *testing.T) {
	cases := map[string]string{
		"example.com/mod/pkg.Func":                  "example.com/mod/pkg",
		"example.com/mod/pkg.(*T).Method":           "example.com/mod/pkg",
		"example.com/mod/pkg.(*T).Method.func1":     "example.com/mod/pkg",
		"example.com/mod/pkg_test.TestThing":        "example.com/mod/pkg_test",
		"main.main":                                 "main",
		"runtime.goexit":                            "runtime",
		"github.com/a/b.v2/c.Func":                  "github.com/a/b.v2/c",
		"example.com/mod/pkg.Generic[...]":          "example.com/mod/pkg",
		"reflect.makeFuncStub":                      "reflect",
		"github.com/pboyd/hookctx.(*Instance).Hook": "github.com/pboyd/hookctx",
	}
	for name, want := range cases {
		assert.Equal(t, want, PackageOf(name), name)
	}
}

func TestAttribute(t *testing.T) {
	frames := []string{
		"github.com/pboyd/hookctx/owner.Caller",
		libDetour + ".(*Engine).Install",
		libDetour + ".(*Engine).Hook",
		libEndpoint + ".(*Manager).Add",
		"example.com/plugin/hooks.Load",
		"example.com/other.Run",
		"main.main",
	}
	assert.Equal(t, ID("plugin"), Attribute(frames, internals, resolver))
}

func TestAttribute_SkipsReflectionFrames(t *testing.T) {
	frames := []string{
		libDetour + ".(*Engine).Install",
		"reflect.Value.call",
		"reflect.makeFuncStub",
		libDetour + ".(*Engine).Hook.func1",
		"runtime.call32",
		"example.com/other/sub.Init",
	}
	assert.Equal(t, ID("other"), Attribute(frames, internals, resolver))
}

func TestAttribute_OnlyInternals(t *testing.T) {
	frames := []string{
		libDetour + ".(*Engine).Install",
		libEndpoint + ".(*Manager).Add",
		libDetour + ".bootstrap",
	}
	assert.Equal(t, None, Attribute(frames, internals, resolver))
}

func TestAttribute_NeverEntersInternals(t *testing.T) {
	frames := []string{
		"example.com/plugin.A",
		"example.com/plugin.B",
	}
	assert.Equal(t, None, Attribute(frames, internals, resolver))
}

func TestAttribute_UnknownOwnerPackage(t *testing.T) {
	frames := []string{
		libDetour + ".(*Engine).Install",
		"example.com/unregistered.Func",
		"example.com/plugin.Func",
	}
	assert.Equal(t, None, Attribute(frames, internals, resolver))
	assert.Equal(t, None, Attribute(frames, internals, nil))
}

func TestAttribute_TestPackageIsNotInternal(t *testing.T) {
	frames := []string{
		libDetour + ".(*Engine).Install",
		libDetour + "_test.TestInstall",
	}
	r := prefixResolver{libDetour + "_test": "tests"}
	assert.Equal(t, ID("tests"), Attribute(frames, internals, r))
}

//go:noinline
func attributeFromHere(in Internals, r Resolver) ID {
	return Caller(in, r)
}

func TestCaller(t *testing.T) {
	self := PackageOfFunc(attributeFromHere)
	assert.Equal(t, "github.com/pboyd/hookctx/owner", self)

	// The test function sits in the same package as the "internals", so the
	// walk leaves them at testing.tRunner.
	r := prefixResolver{"testing": "stdlib-testing"}
	assert.Equal(t, ID("stdlib-testing"), attributeFromHere(NewInternals(self), r))
}

func TestStack(t *testing.T) {
	stack := Stack(0)
	if assert.NotEmpty(t, stack) {
		assert.True(t, strings.HasSuffix(stack[0], "owner.TestStack"), stack[0])
	}
}

func testHook() {}

func TestOfFunc(t *testing.T) {
	r := prefixResolver{"github.com/pboyd/hookctx/owner": "owner-tests"}
	assert.Equal(t, ID("owner-tests"), OfFunc(testHook, r))
	assert.Equal(t, None, OfFunc("not a func", r))
	assert.Equal(t, None, OfFunc(testHook, prefixResolver{}))
}

func TestInternalsAdd(t *testing.T) {
	in := NewInternals("a")
	out := in.Add("b")
	assert.True(t, out.Contains("a"))
	assert.True(t, out.Contains("b"))
	assert.False(t, in.Contains("b"))
}
