package sftpfs

import (
	"io/fs"
	"os"
	"strings"
	"time"

	_sftp "github.com/pkg/sftp"
)

// Attribute view names.
const (
	BasicView = "basic"
	OwnerView = "owner"
	PosixView = "posix"
)

// PosixFileAttributes is the metadata record every stat-based operation
// returns.  SFTP reports times at second granularity and has no creation
// time; CreationTime mirrors LastModifiedTime.
type PosixFileAttributes struct {
	LastModifiedTime time.Time
	LastAccessTime   time.Time
	CreationTime     time.Time
	Size             int64
	FileKey          string
	Regular          bool
	Directory        bool
	SymbolicLink     bool
	Other            bool
	Owner            int
	Group            int
	Permissions      fs.FileMode
}

// newPosixFileAttributes builds the record from a stat reply.  The file key
// is synthesized from the absolute path since SFTP exposes no inode.
func newPosixFileAttributes(info os.FileInfo, fileKey string) *PosixFileAttributes {
	mode := info.Mode()
	mtime := info.ModTime().Truncate(time.Second)
	attrs := &PosixFileAttributes{
		LastModifiedTime: mtime,
		LastAccessTime:   atimeOf(info, mtime),
		CreationTime:     mtime,
		Size:             info.Size(),
		FileKey:          fileKey,
		Regular:          mode.IsRegular(),
		Directory:        mode.IsDir(),
		SymbolicLink:     mode&fs.ModeSymlink != 0,
		Owner:            uidOf(info),
		Group:            gidOf(info),
		Permissions:      mode.Perm(),
	}
	attrs.Other = !attrs.Regular && !attrs.Directory && !attrs.SymbolicLink
	return attrs
}

func sysStat(info os.FileInfo) *_sftp.FileStat {
	if stat, ok := info.Sys().(*_sftp.FileStat); ok {
		return stat
	}
	return nil
}

func uidOf(info os.FileInfo) int {
	if stat := sysStat(info); stat != nil {
		return int(stat.UID)
	}
	return 0
}

func gidOf(info os.FileInfo) int {
	if stat := sysStat(info); stat != nil {
		return int(stat.GID)
	}
	return 0
}

func atimeOf(info os.FileInfo, fallback time.Time) time.Time {
	if stat := sysStat(info); stat != nil && stat.Atime != 0 {
		return time.Unix(int64(stat.Atime), 0)
	}
	return fallback
}

/*
	Attribute views
*/

// FileAttributeView is a named projection over a file's metadata.
type FileAttributeView interface {
	ViewName() string
}

// BasicFileAttributeView reads basic attributes and sets times.
type BasicFileAttributeView struct {
	fs          *FileSystem
	path        *Path
	followLinks bool
}

// ViewName returns "basic".
func (v *BasicFileAttributeView) ViewName() string { return BasicView }

// ReadAttributes returns the file's attribute record.
func (v *BasicFileAttributeView) ReadAttributes() (*PosixFileAttributes, error) {
	return v.fs.ReadAttributes(v.path, v.followLinks)
}

// SetTimes updates the last-modified time.  Access and creation times
// cannot be set independently over SFTP and must be nil.
func (v *BasicFileAttributeView) SetTimes(mtime, atime, ctime *time.Time) error {
	return v.fs.setTimes(v.path, mtime, atime, ctime, v.followLinks)
}

// FileOwnerAttributeView reads and sets the owning uid.
type FileOwnerAttributeView struct {
	fs          *FileSystem
	path        *Path
	followLinks bool
}

// ViewName returns "owner".
func (v *FileOwnerAttributeView) ViewName() string { return OwnerView }

// Owner returns the file's owning uid.
func (v *FileOwnerAttributeView) Owner() (int, error) {
	attrs, err := v.fs.ReadAttributes(v.path, v.followLinks)
	if err != nil {
		return 0, err
	}
	return attrs.Owner, nil
}

// SetOwner changes the file's owning uid.
func (v *FileOwnerAttributeView) SetOwner(uid int) error {
	return v.fs.SetOwner(v.path, uid, v.followLinks)
}

// PosixFileAttributeView reads the full posix record and sets permissions,
// owner and group.
type PosixFileAttributeView struct {
	FileOwnerAttributeView
}

// ViewName returns "posix".
func (v *PosixFileAttributeView) ViewName() string { return PosixView }

// ReadAttributes returns the file's attribute record.
func (v *PosixFileAttributeView) ReadAttributes() (*PosixFileAttributes, error) {
	return v.fs.ReadAttributes(v.path, v.followLinks)
}

// SetTimes updates the last-modified time.
func (v *PosixFileAttributeView) SetTimes(mtime, atime, ctime *time.Time) error {
	return v.fs.setTimes(v.path, mtime, atime, ctime, v.followLinks)
}

// SetPermissions changes the file's 9-bit permission mask.
func (v *PosixFileAttributeView) SetPermissions(permissions fs.FileMode) error {
	return v.fs.SetPermissions(v.path, permissions, v.followLinks)
}

// SetGroup changes the file's owning gid.
func (v *PosixFileAttributeView) SetGroup(gid int) error {
	return v.fs.SetGroup(v.path, gid, v.followLinks)
}

/*
	Named attribute selectors
*/

var viewAttributes = map[string][]string{
	BasicView: {
		"lastModifiedTime", "lastAccessTime", "creationTime", "size",
		"isRegularFile", "isDirectory", "isSymbolicLink", "isOther", "fileKey",
	},
	OwnerView: {"owner"},
	PosixView: {
		"lastModifiedTime", "lastAccessTime", "creationTime", "size",
		"isRegularFile", "isDirectory", "isSymbolicLink", "isOther", "fileKey",
		"owner", "group", "permissions",
	},
}

// parseAttributeSelector splits "view:name1,name2".  The view defaults to
// basic when omitted.
func parseAttributeSelector(attributes string) (view string, names []string, err error) {
	view = BasicView
	if idx := strings.Index(attributes, ":"); idx != -1 {
		view = attributes[:idx]
		attributes = attributes[idx+1:]
	}
	supported, ok := viewAttributes[view]
	if !ok {
		return "", nil, &PathError{Op: "readattrs", Path: view, Err: ErrInvalidAttribute}
	}
	for _, name := range strings.Split(attributes, ",") {
		if name == "" {
			continue
		}
		if name == "*" {
			return view, supported, nil
		}
		if !contains(supported, name) {
			return "", nil, &PathError{Op: "readattrs", Path: view + ":" + name, Err: ErrInvalidAttribute}
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", nil, &PathError{Op: "readattrs", Path: view, Err: ErrInvalidAttribute}
	}
	return view, names, nil
}

func contains(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

// attributeValue projects one named attribute out of the record.
func attributeValue(attrs *PosixFileAttributes, name string) any {
	switch name {
	case "lastModifiedTime":
		return attrs.LastModifiedTime
	case "lastAccessTime":
		return attrs.LastAccessTime
	case "creationTime":
		return attrs.CreationTime
	case "size":
		return attrs.Size
	case "isRegularFile":
		return attrs.Regular
	case "isDirectory":
		return attrs.Directory
	case "isSymbolicLink":
		return attrs.SymbolicLink
	case "isOther":
		return attrs.Other
	case "fileKey":
		return attrs.FileKey
	case "owner":
		return attrs.Owner
	case "group":
		return attrs.Group
	case "permissions":
		return attrs.Permissions
	}
	return nil
}
