package sftpfs

import (
	"io"
	"os"
	"time"

	_sftp "github.com/pkg/sftp"
)

// ReadWriteSeekCloser is a read write seek closer interface representing
// capabilities needed from the sftp File struct.
type ReadWriteSeekCloser interface {
	io.ReadWriteSeeker
	io.Closer
}

// truncater is implemented by remote files that support size changes
// (sftp.File does).
type truncater interface {
	Truncate(size int64) error
}

// Client is an interface to make it easier to test.  It is the subset of
// *sftp.Client the channel layer uses.
type Client interface {
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
	Chtimes(path string, atime, mtime time.Time) error
	Getwd() (string, error)
	Lstat(p string) (os.FileInfo, error)
	Mkdir(path string) error
	OpenFile(path string, f int) (ReadWriteSeekCloser, error)
	PosixRename(oldname, newname string) error
	ReadDir(p string) ([]os.FileInfo, error)
	ReadLink(p string) (string, error)
	RealPath(p string) (string, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldname, newname string) error
	Stat(p string) (os.FileInfo, error)
	StatVFS(p string) (*_sftp.StatVFS, error)
	Close() error
}

// realClient adapts *sftp.Client to the Client interface, transcoding
// filenames when the server uses a non-UTF-8 encoding.
type realClient struct {
	client *_sftp.Client
	codec  *nameCodec
}

func (c *realClient) Chmod(path string, mode os.FileMode) error {
	return c.client.Chmod(c.codec.encode(path), mode)
}

func (c *realClient) Chown(path string, uid, gid int) error {
	return c.client.Chown(c.codec.encode(path), uid, gid)
}

func (c *realClient) Chtimes(path string, atime, mtime time.Time) error {
	return c.client.Chtimes(c.codec.encode(path), atime, mtime)
}

func (c *realClient) Getwd() (string, error) {
	wd, err := c.client.Getwd()
	return c.codec.decode(wd), err
}

func (c *realClient) Lstat(p string) (os.FileInfo, error) {
	return c.decodeInfo(c.client.Lstat(c.codec.encode(p)))
}

func (c *realClient) Mkdir(path string) error {
	return c.client.Mkdir(c.codec.encode(path))
}

func (c *realClient) OpenFile(path string, f int) (ReadWriteSeekCloser, error) {
	return c.client.OpenFile(c.codec.encode(path), f)
}

func (c *realClient) PosixRename(oldname, newname string) error {
	return c.client.PosixRename(c.codec.encode(oldname), c.codec.encode(newname))
}

func (c *realClient) ReadDir(p string) ([]os.FileInfo, error) {
	infos, err := c.client.ReadDir(c.codec.encode(p))
	if err != nil || c.codec == nil {
		return infos, err
	}
	decoded := make([]os.FileInfo, len(infos))
	for i, info := range infos {
		decoded[i] = &renamedFileInfo{FileInfo: info, name: c.codec.decode(info.Name())}
	}
	return decoded, nil
}

func (c *realClient) ReadLink(p string) (string, error) {
	target, err := c.client.ReadLink(c.codec.encode(p))
	return c.codec.decode(target), err
}

func (c *realClient) RealPath(p string) (string, error) {
	real, err := c.client.RealPath(c.codec.encode(p))
	return c.codec.decode(real), err
}

func (c *realClient) Remove(path string) error {
	return c.client.Remove(c.codec.encode(path))
}

func (c *realClient) RemoveDirectory(path string) error {
	return c.client.RemoveDirectory(c.codec.encode(path))
}

func (c *realClient) Rename(oldname, newname string) error {
	return c.client.Rename(c.codec.encode(oldname), c.codec.encode(newname))
}

func (c *realClient) Stat(p string) (os.FileInfo, error) {
	return c.decodeInfo(c.client.Stat(c.codec.encode(p)))
}

func (c *realClient) StatVFS(p string) (*_sftp.StatVFS, error) {
	return c.client.StatVFS(c.codec.encode(p))
}

func (c *realClient) Close() error {
	return c.client.Close()
}

func (c *realClient) decodeInfo(info os.FileInfo, err error) (os.FileInfo, error) {
	if err != nil || c.codec == nil {
		return info, err
	}
	return &renamedFileInfo{FileInfo: info, name: c.codec.decode(info.Name())}, nil
}

// renamedFileInfo carries a transcoded name over an unchanged os.FileInfo.
type renamedFileInfo struct {
	os.FileInfo
	name string
}

func (i *renamedFileInfo) Name() string { return i.name }
