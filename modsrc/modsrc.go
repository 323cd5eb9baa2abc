// Package modsrc finds the compiled payload of a dependency module by name.
//
// Sources are tried in order and the first one that knows the module wins.
// A source that does not know a module returns nil, nil so the next one gets
// a chance.
package modsrc

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/pboyd/hookctx/host"
	"github.com/pboyd/hookctx/internal/log"
)

// Definition is a resolved module payload.
type Definition struct {
	Name   string
	Source string
	Data   []byte
	Digest [32]byte
}

func newDefinition(name, source string, data []byte) *Definition {
	return &Definition{
		Name:   name,
		Source: source,
		Data:   data,
		Digest: blake3.Sum256(data),
	}
}

func (d *Definition) DigestHex() string {
	return hex.EncodeToString(d.Digest[:])
}

// Source looks up one module.
type Source interface {
	Name() string
	Find(name string) ([]byte, error)
}

type sourceFunc struct {
	name string
	fn   func(string) ([]byte, error)
}

func (s sourceFunc) Name() string { return s.name }
func (s sourceFunc) Find(name string) ([]byte, error) { return s.fn(name) }

// SourceFunc adapts fn to a Source.
func SourceFunc(name string, fn func(string) ([]byte, error)) Source {
	return sourceFunc{name: name, fn: fn}
}

// Chain tries its sources in order and caches what it finds.
type Chain struct {
	sources []Source
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]*Definition
}

func NewChain(sources ...Source) *Chain {
	return &Chain{
		sources: sources,
		log:     log.WithComponent("modsrc"),
		cache:   make(map[string]*Definition),
	}
}

// Resolve returns the definition of name, or nil, nil when no source has it.
func (c *Chain) Resolve(name string) (*Definition, error) {
	c.mu.Lock()
	def, ok := c.cache[name]
	c.mu.Unlock()
	if ok {
		return def, nil
	}

	for _, src := range c.sources {
		data, err := src.Find(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s from %s: %w", name, src.Name(), err)
		}
		if data == nil {
			continue
		}

		def = newDefinition(name, src.Name(), data)
		c.mu.Lock()
		c.cache[name] = def
		c.mu.Unlock()

		c.log.Debug("resolved module", "module", name, "source", src.Name(), "digest", def.DigestHex())
		return def, nil
	}
	return nil, nil
}

// ResolvePayload is Resolve shaped as a host.ResolveFunc.
func (c *Chain) ResolvePayload(name string) ([]byte, error) {
	def, err := c.Resolve(name)
	if err != nil || def == nil {
		return nil, err
	}
	return def.Data, nil
}

// Forget drops every cached definition.
func (c *Chain) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

// Resources is the part of the host that carries embedded payloads.
type Resources interface {
	Resource(suffix string) []byte
}

// Embedded finds modules shipped as host resources named "...<name><ext>".
func Embedded(r Resources, ext string) Source {
	return SourceFunc("embedded", func(name string) ([]byte, error) {
		return r.Resource(name + ext), nil
	})
}

// Modules is the part of the host that lists loaded modules.
type Modules interface {
	Modules() []*host.Module
}

// LoadedModules finds a module among the loaded ones: either it is loaded
// itself, or a module that references it bundles it as lib/<name><ext>.
func LoadedModules(m Modules, ext string) Source {
	return SourceFunc("loaded", func(name string) ([]byte, error) {
		for _, mod := range m.Modules() {
			if mod.Payload != nil && (mod.Name == name || host.UnwrapName(mod.Name) == name) {
				return mod.Payload, nil
			}

			if !mod.DependsOn(name) {
				continue
			}
			if data := mod.File("lib/" + name + ext); data != nil {
				return data, nil
			}
		}
		return nil, nil
	})
}
