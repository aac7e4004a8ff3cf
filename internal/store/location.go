package store

import (
	"path/filepath"
	"strings"
)

// DefaultExtension is appended to report identifiers by IdentifierExtension.
const DefaultExtension = "wellsdata"

// LocationProvider derives where a report's payload lives. Integrators can
// supply their own to control directory layout or naming.
type LocationProvider interface {
	ReportLocation(identifier string) (string, bool)
}

// IdentifierResolver is implemented by providers that can map a location
// back to the identifier it was derived from.
type IdentifierResolver interface {
	ReportIdentifier(location string) (string, bool)
}

// LocationFunc adapts a function to LocationProvider.
type LocationFunc func(identifier string) (string, bool)

func (f LocationFunc) ReportLocation(identifier string) (string, bool) {
	return f(identifier)
}

// IdentifierExtension names payloads <Dir>/<identifier>.<Extension>.
type IdentifierExtension struct {
	Dir       string
	Extension string
}

func (p IdentifierExtension) ReportLocation(identifier string) (string, bool) {
	if p.Dir == "" || !validIdentifier(identifier) {
		return "", false
	}
	name := identifier
	if ext := strings.TrimPrefix(p.Extension, "."); ext != "" {
		name += "." + ext
	}
	return filepath.Join(p.Dir, name), true
}

func (p IdentifierExtension) ReportIdentifier(location string) (string, bool) {
	if p.Dir == "" || filepath.Dir(filepath.Clean(location)) != filepath.Clean(p.Dir) {
		return "", false
	}
	name := filepath.Base(location)
	if ext := strings.TrimPrefix(p.Extension, "."); ext != "" {
		var ok bool
		if name, ok = strings.CutSuffix(name, "."+ext); !ok {
			return "", false
		}
	}
	if !validIdentifier(name) {
		return "", false
	}
	return name, true
}

// FilenameIdentifier names payloads <Dir>/<identifier>.
type FilenameIdentifier struct {
	Dir string
}

func (p FilenameIdentifier) ReportLocation(identifier string) (string, bool) {
	if p.Dir == "" || !validIdentifier(identifier) {
		return "", false
	}
	return filepath.Join(p.Dir, identifier), true
}

func (p FilenameIdentifier) ReportIdentifier(location string) (string, bool) {
	if p.Dir == "" || filepath.Dir(filepath.Clean(location)) != filepath.Clean(p.Dir) {
		return "", false
	}
	name := filepath.Base(location)
	if !validIdentifier(name) {
		return "", false
	}
	return name, true
}

// identifiers become file names, so path separators and dot names are refused
func validIdentifier(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
