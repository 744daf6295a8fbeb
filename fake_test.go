package sftpfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	_sftp "github.com/pkg/sftp"
)

// The fakes below stand in for a remote SFTP server: fakeServer holds the
// remote tree, fakeClient implements Client against it, and fakeTransport
// answers keep-alive probes until a test kills it.

func fxStatus(code uint32) error {
	return &_sftp.StatusError{Code: code}
}

var (
	statusNoSuchFile       = uint32(_sftp.ErrSSHFxNoSuchFile)
	statusPermissionDenied = uint32(_sftp.ErrSSHFxPermissionDenied)
	statusFailure          = uint32(_sftp.ErrSSHFxFailure)
	statusOpUnsupported    = uint32(_sftp.ErrSSHFxOpUnsupported)
)

type fakeNode struct {
	isDir      bool
	content    []byte
	mode       fs.FileMode
	uid, gid   int
	mtime      time.Time
	atime      time.Time
	linkTarget string
}

type fakeServer struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	wd    string

	statVFSSupported     bool
	posixRenameSupported bool

	dialCount int
	dialErr   error
}

func newFakeServer() *fakeServer {
	s := &fakeServer{
		nodes:                make(map[string]*fakeNode),
		wd:                   "/home/user",
		statVFSSupported:     true,
		posixRenameSupported: true,
	}
	s.addDir("/")
	s.addDir("/home")
	s.addDir("/home/user")
	return s
}

func (s *fakeServer) addDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[path.Clean(p)] = &fakeNode{isDir: true, mode: 0o755, mtime: time.Now()}
}

func (s *fakeServer) addFile(p, contents string) *fakeNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := &fakeNode{content: []byte(contents), mode: 0o644, mtime: time.Now().Truncate(time.Second)}
	s.nodes[path.Clean(p)] = node
	return node
}

func (s *fakeServer) addSymlink(p, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[path.Clean(p)] = &fakeNode{linkTarget: target, mode: 0o777, mtime: time.Now()}
}

func (s *fakeServer) node(p string) *fakeNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[path.Clean(p)]
}

func (s *fakeServer) exists(p string) bool {
	return s.node(p) != nil
}

// lookup resolves a path, following the final symlink when follow is set.
// It returns the resolved path together with the node.
func (s *fakeServer) lookup(p string, follow bool) (string, *fakeNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(p, follow)
}

func (s *fakeServer) lookupLocked(p string, follow bool) (string, *fakeNode, error) {
	p = path.Clean(p)
	node, ok := s.nodes[p]
	if !ok {
		return "", nil, fxStatus(statusNoSuchFile)
	}
	for follow && node.linkTarget != "" {
		target := node.linkTarget
		if !strings.HasPrefix(target, "/") {
			target = path.Join(path.Dir(p), target)
		}
		p = path.Clean(target)
		node, ok = s.nodes[p]
		if !ok {
			return "", nil, fxStatus(statusNoSuchFile)
		}
	}
	return p, node, nil
}

type fakeFileInfo struct {
	name string
	node fakeNode
}

func (i *fakeFileInfo) Name() string { return i.name }
func (i *fakeFileInfo) Size() int64  { return int64(len(i.node.content)) }
func (i *fakeFileInfo) Mode() fs.FileMode {
	mode := i.node.mode
	if i.node.isDir {
		mode |= fs.ModeDir
	}
	if i.node.linkTarget != "" {
		mode |= fs.ModeSymlink
	}
	return mode
}
func (i *fakeFileInfo) ModTime() time.Time { return i.node.mtime }
func (i *fakeFileInfo) IsDir() bool        { return i.node.isDir }
func (i *fakeFileInfo) Sys() any {
	stat := &_sftp.FileStat{
		Size:  uint64(len(i.node.content)),
		UID:   uint32(i.node.uid),
		GID:   uint32(i.node.gid),
		Mtime: uint32(i.node.mtime.Unix()),
	}
	if !i.node.atime.IsZero() {
		stat.Atime = uint32(i.node.atime.Unix())
	}
	return stat
}

func infoFor(name string, node *fakeNode) os.FileInfo {
	return &fakeFileInfo{name: name, node: *node}
}

type fakeClient struct {
	server *fakeServer
	closed bool
}

var errClientClosed = errors.New("fake client closed")

func (c *fakeClient) check() error {
	if c.closed {
		return errClientClosed
	}
	return nil
}

func (c *fakeClient) Stat(p string) (os.FileInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resolved, node, err := c.server.lookup(p, true)
	if err != nil {
		return nil, err
	}
	return infoFor(path.Base(resolved), node), nil
}

func (c *fakeClient) Lstat(p string) (os.FileInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	_, node, err := c.server.lookup(p, false)
	if err != nil {
		return nil, err
	}
	return infoFor(path.Base(path.Clean(p)), node), nil
}

func (c *fakeClient) Getwd() (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	return c.server.wd, nil
}

func (c *fakeClient) RealPath(p string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.server.wd, p)
	}
	p = path.Clean(p)
	if resolved, _, err := c.server.lookup(p, true); err == nil {
		return resolved, nil
	}
	return p, nil
}

func (c *fakeClient) ReadDir(p string) ([]os.FileInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	resolved, node, err := c.server.lookup(p, true)
	if err != nil {
		return nil, err
	}
	if !node.isDir {
		return nil, fxStatus(statusFailure)
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	var infos []os.FileInfo
	prefix := resolved
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for candidate := range c.server.nodes {
		if candidate != resolved && strings.HasPrefix(candidate, prefix) && !strings.Contains(candidate[len(prefix):], "/") {
			names = append(names, candidate)
		}
	}
	sort.Strings(names)
	for _, child := range names {
		infos = append(infos, infoFor(path.Base(child), c.server.nodes[child]))
	}
	return infos, nil
}

func (c *fakeClient) ReadLink(p string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	_, node, err := c.server.lookup(p, false)
	if err != nil {
		return "", err
	}
	if node.linkTarget == "" {
		return "", fxStatus(statusFailure)
	}
	return node.linkTarget, nil
}

func (c *fakeClient) Mkdir(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	p = path.Clean(p)
	if _, exists := c.server.nodes[p]; exists {
		return fxStatus(statusFailure)
	}
	parent, ok := c.server.nodes[path.Dir(p)]
	if !ok {
		return fxStatus(statusNoSuchFile)
	}
	if !parent.isDir {
		return fxStatus(statusFailure)
	}
	c.server.nodes[p] = &fakeNode{isDir: true, mode: 0o755, mtime: time.Now()}
	return nil
}

func (c *fakeClient) Remove(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	p = path.Clean(p)
	node, ok := c.server.nodes[p]
	if !ok {
		return fxStatus(statusNoSuchFile)
	}
	if node.isDir {
		return fxStatus(statusFailure)
	}
	delete(c.server.nodes, p)
	return nil
}

func (c *fakeClient) RemoveDirectory(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	p = path.Clean(p)
	node, ok := c.server.nodes[p]
	if !ok {
		return fxStatus(statusNoSuchFile)
	}
	if !node.isDir {
		return fxStatus(statusFailure)
	}
	prefix := p + "/"
	for candidate := range c.server.nodes {
		if strings.HasPrefix(candidate, prefix) {
			return fxStatus(statusFailure)
		}
	}
	delete(c.server.nodes, p)
	return nil
}

func (c *fakeClient) Rename(oldname, newname string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	oldname, newname = path.Clean(oldname), path.Clean(newname)
	node, ok := c.server.nodes[oldname]
	if !ok {
		return fxStatus(statusNoSuchFile)
	}
	if _, exists := c.server.nodes[newname]; exists {
		return fxStatus(statusFailure)
	}
	delete(c.server.nodes, oldname)
	c.server.nodes[newname] = node
	return nil
}

func (c *fakeClient) PosixRename(oldname, newname string) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.server.posixRenameSupported {
		return fxStatus(statusOpUnsupported)
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	oldname, newname = path.Clean(oldname), path.Clean(newname)
	node, ok := c.server.nodes[oldname]
	if !ok {
		return fxStatus(statusNoSuchFile)
	}
	delete(c.server.nodes, oldname)
	c.server.nodes[newname] = node
	return nil
}

func (c *fakeClient) Chmod(p string, mode os.FileMode) error {
	if err := c.check(); err != nil {
		return err
	}
	_, node, err := c.server.lookup(p, true)
	if err != nil {
		return err
	}
	node.mode = mode.Perm()
	return nil
}

func (c *fakeClient) Chown(p string, uid, gid int) error {
	if err := c.check(); err != nil {
		return err
	}
	_, node, err := c.server.lookup(p, true)
	if err != nil {
		return err
	}
	node.uid, node.gid = uid, gid
	return nil
}

func (c *fakeClient) Chtimes(p string, atime, mtime time.Time) error {
	if err := c.check(); err != nil {
		return err
	}
	_, node, err := c.server.lookup(p, true)
	if err != nil {
		return err
	}
	node.atime, node.mtime = atime, mtime
	return nil
}

func (c *fakeClient) StatVFS(p string) (*_sftp.StatVFS, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !c.server.statVFSSupported {
		return nil, fxStatus(statusOpUnsupported)
	}
	return &_sftp.StatVFS{
		Bsize:  4096,
		Frsize: 4096,
		Blocks: 1000,
		Bfree:  600,
		Bavail: 500,
	}, nil
}

func (c *fakeClient) OpenFile(p string, flags int) (ReadWriteSeekCloser, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	resolved, node, err := c.server.lookupLocked(p, true)
	switch {
	case err == nil:
		if node.isDir {
			return nil, fxStatus(statusFailure)
		}
		if flags&os.O_TRUNC != 0 {
			node.content = nil
		}
	case flags&os.O_CREATE != 0:
		resolved = path.Clean(p)
		parent, ok := c.server.nodes[path.Dir(resolved)]
		if !ok || !parent.isDir {
			return nil, fxStatus(statusNoSuchFile)
		}
		node = &fakeNode{mode: 0o644, mtime: time.Now()}
		c.server.nodes[resolved] = node
	default:
		return nil, err
	}
	file := &fakeFile{server: c.server, path: resolved, flags: flags}
	if flags&os.O_APPEND != 0 {
		file.pos = int64(len(node.content))
	}
	return file, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeFile struct {
	server *fakeServer
	path   string
	flags  int
	pos    int64
	closed bool
}

func (f *fakeFile) node() (*fakeNode, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	node, ok := f.server.nodes[f.path]
	if !ok {
		return nil, fxStatus(statusNoSuchFile)
	}
	return node, nil
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errClientClosed
	}
	node, err := f.node()
	if err != nil {
		return 0, err
	}
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if f.pos >= int64(len(node.content)) {
		return 0, io.EOF
	}
	n := copy(p, node.content[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errClientClosed
	}
	node, err := f.node()
	if err != nil {
		return 0, err
	}
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		f.pos = int64(len(node.content))
	}
	for int64(len(node.content)) < f.pos {
		node.content = append(node.content, 0)
	}
	node.content = append(node.content[:f.pos], p...)
	f.pos += int64(len(p))
	node.mtime = time.Now().Truncate(time.Second)
	return len(p), nil
}

func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, errClientClosed
	}
	node, err := f.node()
	if err != nil {
		return 0, err
	}
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(node.content)) + offset
	}
	return f.pos, nil
}

func (f *fakeFile) Truncate(size int64) error {
	node, err := f.node()
	if err != nil {
		return err
	}
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	if int64(len(node.content)) > size {
		node.content = node.content[:size]
	} else {
		for int64(len(node.content)) < size {
			node.content = append(node.content, 0)
		}
	}
	return nil
}

func (f *fakeFile) Close() error {
	f.closed = true
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	broken bool
	closed bool
}

func (t *fakeTransport) SendRequest(string, bool, []byte) (bool, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken || t.closed {
		return false, nil, errors.New("connection lost")
	}
	return true, nil, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) breakConn() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}

// fakeDialer produces fake channels against one server and remembers the
// transports it handed out.
type fakeDialer struct {
	mu         sync.Mutex
	server     *fakeServer
	transports []*fakeTransport
}

func newFakeDialer(server *fakeServer) *fakeDialer {
	return &fakeDialer{server: server}
}

func (d *fakeDialer) dial(*Environment, string, int) (Client, transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.server.mu.Lock()
	d.server.dialCount++
	err := d.server.dialErr
	d.server.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	tp := &fakeTransport{}
	d.transports = append(d.transports, tp)
	return &fakeClient{server: d.server}, tp, nil
}

func (s *fakeServer) setDialErr(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialCount
}

// newTestFileSystem opens a filesystem against a fake server through a
// fresh provider, bypassing the network dialer.
func newTestFileSystem(server *fakeServer, env *Environment) (*FileSystem, *fakeDialer, error) {
	dialer := newFakeDialer(server)
	restore := defaultPoolDialer
	defaultPoolDialer = dialer.dial
	defer func() { defaultPoolDialer = restore }()

	provider := NewProvider()
	fs, err := provider.NewFileSystem("sftp://user@example.com", env)
	return fs, dialer, err
}
