package host

import "strings"

// Module is a unit of deployable plugin code. Its Name is the ownership key
// used throughout hookctx.
type Module struct {
	Name    string
	Version string

	// Path is the Go package path prefix of the module's code. Call-stack
	// attribution maps frames to modules with it.
	Path string

	// Payload is the module's main compiled payload.
	Payload []byte

	// Files holds files bundled with the module, e.g. "lib/dep.so".
	Files map[string][]byte

	// References names the modules this one depends on.
	References []string
}

// Owns reports whether pkg is the module's path or lives below it.
func (m *Module) Owns(pkg string) bool {
	if m.Path == "" {
		return false
	}
	return pkg == m.Path || strings.HasPrefix(pkg, m.Path+"/")
}

// File returns a bundled file or nil.
func (m *Module) File(name string) []byte {
	if m.Files == nil {
		return nil
	}
	return m.Files[name]
}

// DependsOn reports whether the module references name, either exactly or
// through a build-suffixed name such as "name_1234".
func (m *Module) DependsOn(name string) bool {
	for _, ref := range m.References {
		if ref == name || UnwrapName(ref) == name {
			return true
		}
	}
	return false
}

// UnwrapName strips the "_<build>" suffix hosts append to module names so
// that updated builds can be loaded side by side.
func UnwrapName(name string) string {
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}
