package sftpfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/c2fo/sftpfs/utils/authority"
)

// Scheme defines the filesystem type.
const Scheme = "sftp"
const name = "Secure File Transfer Protocol"

// AccessMode is a requested access kind for CheckAccess.
type AccessMode int

// Access kinds.
const (
	ReadAccess AccessMode = iota
	WriteAccess
	ExecuteAccess
)

// CopyOption controls Copy and Move behavior.
type CopyOption string

// Copy and move options.
const (
	ReplaceExisting = CopyOption("REPLACE_EXISTING")
	CopyAttributes  = CopyOption("COPY_ATTRIBUTES")
	AtomicMove      = CopyOption("ATOMIC_MOVE")
	NoFollowLinks   = CopyOption("NOFOLLOW_LINKS")
)

type copyOptions struct {
	replaceExisting bool
	copyAttributes  bool
	atomicMove      bool
	followLinks     bool
}

func parseCopyOptions(options []CopyOption) (*copyOptions, error) {
	parsed := &copyOptions{followLinks: true}
	for _, option := range options {
		switch option {
		case ReplaceExisting:
			parsed.replaceExisting = true
		case CopyAttributes:
			parsed.copyAttributes = true
		case AtomicMove:
			parsed.atomicMove = true
		case NoFollowLinks:
			parsed.followLinks = false
		default:
			return nil, &PathError{Op: "copy", Path: string(option), Err: ErrUnsupportedOption}
		}
	}
	return parsed, nil
}

// FileSystem is one open SFTP filesystem: a channel pool bound to a single
// remote account plus the default directory relative paths resolve against.
type FileSystem struct {
	provider  *Provider
	authority authority.Authority

	pool   *ChannelPool
	logger *zap.Logger

	defaultDirectory string

	closed atomic.Bool
}

// Name returns "Secure File Transfer Protocol"
func (fsys *FileSystem) Name() string {
	return name
}

// Scheme returns "sftp" as the initial part of a file URI ie: sftp://
func (fsys *FileSystem) Scheme() string {
	return Scheme
}

// Authority returns the authority the filesystem is bound to.
func (fsys *FileSystem) Authority() authority.Authority {
	return fsys.authority
}

// DefaultDirectory returns the directory relative paths resolve against.
func (fsys *FileSystem) DefaultDirectory() string {
	return fsys.defaultDirectory
}

// URI returns the normalized URI of the filesystem, without password.
func (fsys *FileSystem) URI() string {
	return fsys.authority.Key(Scheme)
}

// IsOpen returns whether the filesystem is still open.
func (fsys *FileSystem) IsOpen() bool {
	return !fsys.closed.Load()
}

// Path returns a path bound to this filesystem.  Multiple names are joined
// with slashes.
func (fsys *FileSystem) Path(first string, more ...string) *Path {
	joined := first
	if len(more) > 0 {
		joined = strings.Join(append([]string{first}, more...), "/")
	}
	return newPath(fsys, joined)
}

// Close drains and disconnects the channel pool.  The registry entry is
// removed first so a new filesystem for the authority can be opened while
// in-flight channels wind down.  Closing a closed filesystem is a no-op.
func (fsys *FileSystem) Close() error {
	if !fsys.closed.CompareAndSwap(false, true) {
		return nil
	}
	fsys.provider.registry.remove(fsys.URI())
	fsys.logger.Debug("closing file system", zap.String("uri", fsys.URI()))
	return fsys.pool.close()
}

// KeepAlive pings every idle pooled channel.
func (fsys *FileSystem) KeepAlive() error {
	if fsys.closed.Load() {
		return ErrFileSystemClosed
	}
	return fsys.pool.keepAlive()
}

// withChannel runs fn with an acquired channel, releasing it on every exit
// path.
func (fsys *FileSystem) withChannel(fn func(*Channel) error) error {
	if fsys.closed.Load() {
		return ErrFileSystemClosed
	}
	channel, err := fsys.pool.get(context.Background())
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()
	return fn(channel)
}

// withStreamChannel is withChannel for stream opens.  Streams hold their
// channel for arbitrarily long, so an ad-hoc channel is dialed rather than
// blocking when the pool is empty.
func (fsys *FileSystem) withStreamChannel(fn func(*Channel) error) error {
	if fsys.closed.Load() {
		return ErrFileSystemClosed
	}
	channel, err := fsys.pool.getOrCreate()
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()
	return fn(channel)
}

// resolve converts a path to the absolute SFTP path string used on the wire.
func (fsys *FileSystem) resolve(p *Path) string {
	return p.ToAbsolutePath().path
}

/*
	Streams and channels
*/

// NewInputStream opens a remote file for reading.  The returned stream
// holds a pool reference until closed; DeleteOnClose removes the file as
// part of the close sequence.
func (fsys *FileSystem) NewInputStream(p *Path, options ...OpenOption) (io.ReadCloser, error) {
	parsed, err := parseOpenOptions(forRead, options)
	if err != nil {
		return nil, err
	}
	if parsed.write || parsed.truncate || parsed.create || parsed.createNew {
		return nil, ErrInvalidOptionCombination
	}

	var stream io.ReadCloser
	err = fsys.withStreamChannel(func(channel *Channel) error {
		var serr error
		stream, serr = channel.newInputStream(fsys.resolve(p), parsed)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// NewOutputStream opens a remote file for writing, creating, truncating or
// appending per the options.
func (fsys *FileSystem) NewOutputStream(p *Path, options ...OpenOption) (io.WriteCloser, error) {
	parsed, err := parseOpenOptions(forWrite, options)
	if err != nil {
		return nil, err
	}
	if parsed.read {
		return nil, ErrInvalidOptionCombination
	}

	var stream io.WriteCloser
	err = fsys.withStreamChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		if err := fsys.checkWriteTarget(channel, abs, parsed); err != nil {
			return err
		}
		var serr error
		stream, serr = channel.newOutputStream(abs, parsed)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// checkWriteTarget applies the create/truncate pre-check semantics before
// any write is performed.
func (fsys *FileSystem) checkWriteTarget(channel *Channel, abs string, options *openOptions) error {
	info, err := channel.readAttributes(abs, true)
	switch {
	case err == nil:
		if options.createNew {
			return &PathError{Op: "create", Path: abs, Err: ErrFileAlreadyExists}
		}
		if info.IsDir() {
			return &PathError{Op: "create", Path: abs, Err: ErrIsADirectory}
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if !options.create && !options.createNew {
			return &PathError{Op: "create", Path: abs, Err: ErrNoSuchFile}
		}
		return nil
	default:
		return err
	}
}

// List returns the entries of a directory, dot entries excluded.
func (fsys *FileSystem) List(p *Path) ([]*Path, error) {
	return fsys.NewDirectoryStream(p, nil)
}

// PathFilter selects directory entries.  A nil filter accepts everything.
type PathFilter func(*Path) bool

// NewDirectoryStream lists a directory and applies the filter.  Dot and
// double-dot entries never appear.
func (fsys *FileSystem) NewDirectoryStream(p *Path, filter PathFilter) ([]*Path, error) {
	var paths []*Path
	err := fsys.withChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		info, err := channel.readAttributes(abs, true)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return &PathError{Op: "readdir", Path: abs, Err: ErrNotADirectory}
		}
		entries, err := channel.listFiles(abs)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			entryName := entry.Name()
			if entryName == "." || entryName == ".." {
				continue
			}
			child := p.Resolve(entryName)
			if filter == nil || filter(child) {
				paths = append(paths, child)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// CreateDirectory creates a directory.  Parents are not created.
func (fsys *FileSystem) CreateDirectory(p *Path) error {
	return fsys.withChannel(func(channel *Channel) error {
		return channel.mkdir(fsys.resolve(p))
	})
}

// Delete removes a file or an empty directory.  Deleting a nonexistent
// path is an error, not a silent success.
func (fsys *FileSystem) Delete(p *Path) error {
	return fsys.withChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		info, err := channel.readAttributes(abs, false)
		if err != nil {
			return err
		}
		return channel.delete(abs, info.IsDir())
	})
}

// Copy copies a file (or replicates a directory entry) within this
// filesystem using a single channel.  Cross-filesystem copies belong to a
// higher layer.
func (fsys *FileSystem) Copy(source, target *Path, options ...CopyOption) error {
	parsed, err := parseCopyOptions(options)
	if err != nil {
		return err
	}
	if parsed.atomicMove {
		return &PathError{Op: "copy", Path: source.String(), Err: ErrUnsupportedOption}
	}
	if target.fs != fsys || source.fs != fsys {
		return &PathError{Op: "copy", Path: source.String(), Other: target.String(), Err: ErrUnsupportedOperation}
	}

	return fsys.withChannel(func(channel *Channel) error {
		src := fsys.resolve(source)
		tgt := fsys.resolve(target)
		if src == tgt {
			return nil
		}

		srcInfo, err := channel.readAttributes(src, parsed.followLinks)
		if err != nil {
			return err
		}

		if err := fsys.removeExisting(channel, tgt, parsed.replaceExisting, "copy", src); err != nil {
			return err
		}

		if srcInfo.IsDir() {
			if err := channel.mkdir(tgt); err != nil {
				return err
			}
		} else if err := fsys.copyContents(channel, src, tgt); err != nil {
			return err
		}

		if parsed.copyAttributes {
			return fsys.applyAttributes(channel, tgt, srcInfo)
		}
		return nil
	})
}

// removeExisting implements the REPLACE_EXISTING pre-step: fail when the
// target exists and replacement was not requested, delete it otherwise.
func (fsys *FileSystem) removeExisting(channel *Channel, target string, replace bool, op, source string) error {
	info, err := channel.readAttributes(target, false)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !replace {
		return &PathError{Op: op, Path: source, Other: target, Err: ErrFileAlreadyExists}
	}
	return channel.delete(target, info.IsDir())
}

// copyContents streams a remote file into another on the same channel; a
// single channel can host an open input and an open output.
func (fsys *FileSystem) copyContents(channel *Channel, src, tgt string) error {
	in, err := channel.newInputStream(src, &openOptions{read: true})
	if err != nil {
		return err
	}
	if err := channel.storeFile(tgt, in, nil); err != nil {
		_ = in.Close()
		return err
	}
	return in.Close()
}

// applyAttributes carries mtime, owner, group and permissions over to the
// copy target, best-effort per server support.
func (fsys *FileSystem) applyAttributes(channel *Channel, target string, srcInfo os.FileInfo) error {
	if err := channel.setMtime(target, srcInfo.ModTime()); err != nil {
		return err
	}
	if stat := sysStat(srcInfo); stat != nil {
		if err := channel.chown(target, int(stat.UID)); err != nil {
			return err
		}
		if err := channel.chgrp(target, int(stat.GID)); err != nil {
			return err
		}
	}
	return channel.chmod(target, srcInfo.Mode().Perm())
}

// Move renames a file or directory.  REPLACE_EXISTING removes an existing
// target first; ATOMIC_MOVE is honored only when the server supports the
// posix-rename extension.
func (fsys *FileSystem) Move(source, target *Path, options ...CopyOption) error {
	parsed, err := parseCopyOptions(options)
	if err != nil {
		return err
	}
	if target.fs != fsys || source.fs != fsys {
		return &PathError{Op: "rename", Path: source.String(), Other: target.String(), Err: ErrUnsupportedOperation}
	}

	return fsys.withChannel(func(channel *Channel) error {
		src := fsys.resolve(source)
		tgt := fsys.resolve(target)
		if src == tgt {
			return nil
		}

		if parsed.atomicMove {
			return channel.posixRename(src, tgt)
		}

		if err := fsys.removeExisting(channel, tgt, parsed.replaceExisting, "rename", src); err != nil {
			return err
		}
		return channel.rename(src, tgt)
	})
}

// ReadSymbolicLink returns a symbolic link's target as a path bound to
// this filesystem.
func (fsys *FileSystem) ReadSymbolicLink(p *Path) (*Path, error) {
	var target string
	err := fsys.withChannel(func(channel *Channel) error {
		var lerr error
		target, lerr = channel.readSymbolicLink(fsys.resolve(p))
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return newPath(fsys, target), nil
}

// ReadAttributes stats a path.  followLinks selects stat over lstat.
func (fsys *FileSystem) ReadAttributes(p *Path, followLinks bool) (*PosixFileAttributes, error) {
	var attrs *PosixFileAttributes
	err := fsys.withChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		info, serr := channel.readAttributes(abs, followLinks)
		if serr != nil {
			return serr
		}
		attrs = newPosixFileAttributes(info, abs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

// ReadAttributesSelector reads named attributes, e.g.
// "basic:size,lastModifiedTime" or "posix:permissions".
func (fsys *FileSystem) ReadAttributesSelector(p *Path, attributes string, followLinks bool) (map[string]any, error) {
	_, names, err := parseAttributeSelector(attributes)
	if err != nil {
		return nil, err
	}
	attrs, err := fsys.ReadAttributes(p, followLinks)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(names))
	for _, attrName := range names {
		values[attrName] = attributeValue(attrs, attrName)
	}
	return values, nil
}

// SetAttribute sets a single named attribute, e.g.
// ("posix:permissions", fs.FileMode(0640)).
func (fsys *FileSystem) SetAttribute(p *Path, attribute string, value any, followLinks bool) error {
	view := BasicView
	if idx := strings.Index(attribute, ":"); idx != -1 {
		view = attribute[:idx]
		attribute = attribute[idx+1:]
	}

	switch view + ":" + attribute {
	case "basic:lastModifiedTime", "posix:lastModifiedTime":
		mtime, ok := value.(time.Time)
		if !ok {
			return &PathError{Op: "setattr", Path: attribute, Err: ErrInvalidAttribute}
		}
		return fsys.setTimes(p, &mtime, nil, nil, followLinks)
	case "owner:owner", "posix:owner":
		uid, ok := value.(int)
		if !ok {
			return &PathError{Op: "setattr", Path: attribute, Err: ErrInvalidAttribute}
		}
		return fsys.SetOwner(p, uid, followLinks)
	case "posix:group":
		gid, ok := value.(int)
		if !ok {
			return &PathError{Op: "setattr", Path: attribute, Err: ErrInvalidAttribute}
		}
		return fsys.SetGroup(p, gid, followLinks)
	case "posix:permissions":
		permissions, ok := value.(fs.FileMode)
		if !ok {
			return &PathError{Op: "setattr", Path: attribute, Err: ErrInvalidAttribute}
		}
		return fsys.SetPermissions(p, permissions, followLinks)
	}
	return &PathError{Op: "setattr", Path: view + ":" + attribute, Err: ErrInvalidAttribute}
}

// setAttrChecked stats the target under followLinks before dispatching a
// metadata write, so a missing target fails uniformly.
func (fsys *FileSystem) setAttrChecked(p *Path, followLinks bool, fn func(channel *Channel, abs string) error) error {
	return fsys.withChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		if _, err := channel.readAttributes(abs, followLinks); err != nil {
			return err
		}
		return fn(channel, abs)
	})
}

// setTimes updates the last-modified time.  Access and creation times are
// not settable over SFTP.
func (fsys *FileSystem) setTimes(p *Path, mtime, atime, ctime *time.Time, followLinks bool) error {
	if atime != nil || ctime != nil {
		return &PathError{Op: "chtimes", Path: p.String(), Err: ErrUnsupportedOperation}
	}
	if mtime == nil {
		return nil
	}
	return fsys.setAttrChecked(p, followLinks, func(channel *Channel, abs string) error {
		return channel.setMtime(abs, *mtime)
	})
}

// SetTimes updates the last-modified time of a path.
func (fsys *FileSystem) SetTimes(p *Path, mtime time.Time, followLinks bool) error {
	return fsys.setTimes(p, &mtime, nil, nil, followLinks)
}

// SetOwner changes the owning uid of a path.
func (fsys *FileSystem) SetOwner(p *Path, uid int, followLinks bool) error {
	return fsys.setAttrChecked(p, followLinks, func(channel *Channel, abs string) error {
		return channel.chown(abs, uid)
	})
}

// SetGroup changes the owning gid of a path.
func (fsys *FileSystem) SetGroup(p *Path, gid int, followLinks bool) error {
	return fsys.setAttrChecked(p, followLinks, func(channel *Channel, abs string) error {
		return channel.chgrp(abs, gid)
	})
}

// SetPermissions changes the 9-bit permission mask of a path.
func (fsys *FileSystem) SetPermissions(p *Path, permissions fs.FileMode, followLinks bool) error {
	return fsys.setAttrChecked(p, followLinks, func(channel *Channel, abs string) error {
		return channel.chmod(abs, permissions)
	})
}

// IsSameFile reports whether two paths address the same remote file.
// Paths on different filesystems are never the same; that is an answer,
// not an error.
func (fsys *FileSystem) IsSameFile(p, other *Path) (bool, error) {
	if other == nil || other.fs != p.fs {
		return false, nil
	}
	if p.Equal(other) {
		return true, nil
	}

	same := false
	err := fsys.withChannel(func(channel *Channel) error {
		pReal, err := channel.realPath(fsys.resolve(p))
		if err != nil {
			return err
		}
		otherReal, err := channel.realPath(fsys.resolve(other))
		if err != nil {
			return err
		}
		if pReal != otherReal {
			return nil
		}
		// both must resolve to an existing file
		if _, err := channel.readAttributes(pReal, true); err != nil {
			return err
		}
		same = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return same, nil
}

// IsHidden reports whether the path names a dot file.
func (fsys *FileSystem) IsHidden(p *Path) (bool, error) {
	base := p.Name()
	return base != "." && base != ".." && strings.HasPrefix(base, "."), nil
}

// CheckAccess verifies the path exists and, for write and execute, that
// the permission mask plausibly allows the access.
func (fsys *FileSystem) CheckAccess(p *Path, modes ...AccessMode) error {
	return fsys.withChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		info, err := channel.readAttributes(abs, true)
		if err != nil {
			return err
		}
		perms := info.Mode().Perm()
		for _, mode := range modes {
			switch mode {
			case ReadAccess:
				// the server enforces read access on open
			case WriteAccess:
				if perms&0o222 == 0 {
					return &PathError{Op: "access", Path: abs, Err: ErrAccessDenied}
				}
			case ExecuteAccess:
				if info.Mode().IsRegular() && perms&0o111 == 0 {
					return &PathError{Op: "access", Path: abs, Err: ErrAccessDenied}
				}
			}
		}
		return nil
	})
}

// ToRealPath resolves the path on the server and verifies the result
// exists.
func (fsys *FileSystem) ToRealPath(p *Path, followLinks bool) (*Path, error) {
	var real string
	err := fsys.withChannel(func(channel *Channel) error {
		resolved, rerr := channel.realPath(fsys.resolve(p))
		if rerr != nil {
			return rerr
		}
		if _, rerr := channel.readAttributes(resolved, followLinks); rerr != nil {
			return rerr
		}
		real = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newPath(fsys, real), nil
}

// GetFileAttributeView returns the named attribute view, or nil for an
// unknown view name.
func (fsys *FileSystem) GetFileAttributeView(p *Path, view string, followLinks bool) FileAttributeView {
	switch view {
	case BasicView:
		return &BasicFileAttributeView{fs: fsys, path: p, followLinks: followLinks}
	case OwnerView:
		return &FileOwnerAttributeView{fs: fsys, path: p, followLinks: followLinks}
	case PosixView:
		return &PosixFileAttributeView{FileOwnerAttributeView{fs: fsys, path: p, followLinks: followLinks}}
	}
	return nil
}

// FileStore returns the file store backing a path.
func (fsys *FileSystem) FileStore(p *Path) (*FileStore, error) {
	if fsys.closed.Load() {
		return nil, ErrFileSystemClosed
	}
	return &FileStore{fs: fsys, path: p}, nil
}

