package sftpfs

import (
	"net/url"
	"path"
	"strings"
)

// Path is an immutable POSIX-style path bound to an open filesystem.
// Relative paths resolve against the filesystem's default directory.
type Path struct {
	fs   *FileSystem
	path string
}

func newPath(fs *FileSystem, p string) *Path {
	if p == "" {
		p = "."
	}
	return &Path{fs: fs, path: path.Clean(p)}
}

// FileSystem returns the filesystem the path is bound to.
func (p *Path) FileSystem() *FileSystem {
	return p.fs
}

// IsAbsolute returns whether the path starts at the root.
func (p *Path) IsAbsolute() bool {
	return strings.HasPrefix(p.path, "/")
}

// Name returns the base name of the path.  IE: "file.txt" of
// "/some/path/to/file.txt"
func (p *Path) Name() string {
	return path.Base(p.path)
}

// Parent returns the parent path, or nil for a root or single-name path.
func (p *Path) Parent() *Path {
	dir := path.Dir(p.path)
	if dir == p.path || (dir == "." && !strings.Contains(p.path, "/")) {
		return nil
	}
	return newPath(p.fs, dir)
}

// Resolve joins other onto this path.  An absolute other replaces this path.
func (p *Path) Resolve(other string) *Path {
	if strings.HasPrefix(other, "/") {
		return newPath(p.fs, other)
	}
	if other == "" {
		return p
	}
	return newPath(p.fs, path.Join(p.path, other))
}

// ResolveSibling resolves other against this path's parent.
func (p *Path) ResolveSibling(other string) *Path {
	parent := p.Parent()
	if parent == nil {
		return newPath(p.fs, other)
	}
	return parent.Resolve(other)
}

// Normalize returns the path with redundant name elements removed.  Paths
// are cleaned at construction, so this is the identity.
func (p *Path) Normalize() *Path {
	return p
}

// ToAbsolutePath resolves the path against the filesystem's default
// directory.
func (p *Path) ToAbsolutePath() *Path {
	if p.IsAbsolute() {
		return p
	}
	if p.path == "." {
		return newPath(p.fs, p.fs.defaultDirectory)
	}
	return newPath(p.fs, path.Join(p.fs.defaultDirectory, p.path))
}

// ToURI returns the absolute sftp URI for the path.  Per RFC 3986 the
// password, if any, is not rendered.
func (p *Path) ToURI() string {
	abs := p.ToAbsolutePath()
	u := url.URL{
		Scheme: Scheme,
		Host:   p.fs.authority.HostPortStr(),
		Path:   abs.path,
	}
	if user := p.fs.authority.UserInfo().Username(); user != "" {
		u.User = url.User(user)
	}
	return u.String()
}

// Equal reports whether other addresses the same file as this path: bound
// to the same filesystem and equal once resolved to absolute form.
func (p *Path) Equal(other *Path) bool {
	if other == nil || p.fs != other.fs {
		return false
	}
	return p.ToAbsolutePath().path == other.ToAbsolutePath().path
}

// String implements fmt.Stringer, returning the path string.
func (p *Path) String() string {
	return p.path
}
