package filestore

import "strings"

// PathPrefixer maps backend-relative paths onto a fixed location prefix and
// back again.
type PathPrefixer struct {
	prefix    string
	separator string
}

// NewPathPrefixer returns a prefixer for prefix. Trailing separators on the
// prefix are normalised to exactly one; an empty prefix maps paths onto
// themselves.
func NewPathPrefixer(prefix, separator string) *PathPrefixer {
	if separator == "" {
		separator = "/"
	}
	p := strings.TrimRight(prefix, `\/`)
	if prefix != "" {
		p += separator
	}
	return &PathPrefixer{prefix: p, separator: separator}
}

// Prefix returns the normalised prefix.
func (p *PathPrefixer) Prefix() string {
	return p.prefix
}

// PrefixPath joins path onto the prefix.
func (p *PathPrefixer) PrefixPath(path string) string {
	return p.prefix + strings.TrimLeft(path, `\/`)
}

// StripPrefix removes the prefix from a prefixed path. Paths that do not
// carry the prefix are returned unchanged.
func (p *PathPrefixer) StripPrefix(path string) string {
	return strings.TrimPrefix(path, p.prefix)
}

// StripDirectoryPrefix is StripPrefix without trailing separators.
func (p *PathPrefixer) StripDirectoryPrefix(path string) string {
	return strings.TrimRight(p.StripPrefix(path), `\/`)
}

// PrefixDirectoryPath prefixes path and makes sure the result ends with the
// separator, unless it is empty.
func (p *PathPrefixer) PrefixDirectoryPath(path string) string {
	prefixed := p.PrefixPath(strings.TrimRight(path, `\/`))
	if prefixed == "" || strings.HasSuffix(prefixed, p.separator) {
		return prefixed
	}
	return prefixed + p.separator
}
