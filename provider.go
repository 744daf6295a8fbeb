package sftpfs

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/c2fo/sftpfs/utils/authority"
)

// Registry maps normalized authority keys to open filesystems.  At most one
// filesystem is open per authority; creation for a key is serialized so
// exactly one concurrent creator wins.
type Registry struct {
	mu sync.Mutex
	m  map[string]*FileSystem
}

// NewRegistry returns an empty registry.  Most callers use the process-wide
// registry behind DefaultProvider; a private registry is useful for tests
// and embedded use.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*FileSystem)}
}

// reserve claims a key for a creation in flight.  A reserved or committed
// key cannot be claimed again until removed.
func (r *Registry) reserve(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[key]; exists {
		return &PathError{Op: "newfilesystem", Path: key, Err: ErrFileSystemAlreadyExists}
	}
	r.m[key] = nil
	return nil
}

// commit publishes the created filesystem under its reserved key.
func (r *Registry) commit(key string, fs *FileSystem) {
	r.mu.Lock()
	r.m[key] = fs
	r.mu.Unlock()
}

// abort releases a reservation after a failed creation.
func (r *Registry) abort(key string) {
	r.mu.Lock()
	delete(r.m, key)
	r.mu.Unlock()
}

// get returns the open filesystem for a key.  A pending reservation does
// not count as open.
func (r *Registry) get(key string) (*FileSystem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.m[key]
	return fs, ok && fs != nil
}

func (r *Registry) remove(key string) {
	r.mu.Lock()
	delete(r.m, key)
	r.mu.Unlock()
}

// Provider creates and tracks SFTP filesystems.  The zero-argument
// constructor gives each provider its own registry; DefaultProvider owns
// the process-wide one.
type Provider struct {
	registry *Registry
}

// NewProvider returns a provider with its own registry.
func NewProvider() *Provider {
	return &Provider{registry: NewRegistry()}
}

// NewProviderWithRegistry returns a provider using the given registry.
func NewProviderWithRegistry(registry *Registry) *Provider {
	return &Provider{registry: registry}
}

// DefaultProvider is the process-wide provider.
var DefaultProvider = NewProvider()

// NewFileSystem opens a filesystem for the URI's authority using
// DefaultProvider.
func NewFileSystem(uri string, env *Environment) (*FileSystem, error) {
	return DefaultProvider.NewFileSystem(uri, env)
}

// GetFileSystem returns the open filesystem for the URI's authority using
// DefaultProvider.
func GetFileSystem(uri string) (*FileSystem, error) {
	return DefaultProvider.GetFileSystem(uri)
}

// GetPath returns a path on the open filesystem for the URI's authority
// using DefaultProvider.
func GetPath(uri string) (*Path, error) {
	return DefaultProvider.GetPath(uri)
}

// KeepAlive pings the idle channels of a filesystem created by
// DefaultProvider.
func KeepAlive(fs any) error {
	return DefaultProvider.KeepAlive(fs)
}

// parseURI validates the scheme and authority and returns the parsed URL
// with its authority.
func parseURI(uri string) (*url.URL, authority.Authority, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, authority.Authority{}, &PathError{Op: "parse", Path: uri, Err: err}
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return nil, authority.Authority{}, &PathError{Op: "parse", Path: uri, Err: ErrInvalidScheme}
	}
	auth, err := authority.FromURL(u)
	if err != nil {
		return nil, authority.Authority{}, &PathError{Op: "parse", Path: uri, Err: ErrNotAbsoluteURI}
	}
	return u, auth, nil
}

// normalizeWithoutPassword reduces a URI to its authority key: lowercased
// scheme, username without password, host, explicit port.  It is a pure
// function of its input.
func normalizeWithoutPassword(uri string) (string, error) {
	_, auth, err := parseURI(uri)
	if err != nil {
		return "", err
	}
	return auth.Key(Scheme), nil
}

// NewFileSystem opens a filesystem for the URI's authority.  The URI's
// user-info takes precedence over the environment's username and password.
// At most one filesystem may be open per authority.
func (pr *Provider) NewFileSystem(uri string, env *Environment) (*FileSystem, error) {
	_, auth, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = NewEnvironment()
	}
	env = env.Clone()
	if user := auth.UserInfo().Username(); user != "" {
		env.username = user
	}
	if password := auth.UserInfo().Password(); password != "" {
		env.password = password
	}

	key := auth.Key(Scheme)
	if err := pr.registry.reserve(key); err != nil {
		return nil, err
	}

	fs, err := pr.createFileSystem(auth, env)
	if err != nil {
		pr.registry.abort(key)
		return nil, err
	}
	pr.registry.commit(key, fs)
	env.log().Debug("created file system", zap.String("uri", key))
	return fs, nil
}

func (pr *Provider) createFileSystem(auth authority.Authority, env *Environment) (*FileSystem, error) {
	pool, err := newChannelPool(auth.Host(), int(auth.PortOrDefault()), env)
	if err != nil {
		return nil, err
	}

	defaultDirectory, err := resolveDefaultDirectory(pool, env)
	if err != nil {
		_ = pool.close()
		return nil, err
	}

	return &FileSystem{
		provider:         pr,
		authority:        auth,
		pool:             pool,
		logger:           env.log(),
		defaultDirectory: defaultDirectory,
	}, nil
}

// resolveDefaultDirectory captures the directory relative paths resolve
// against: the configured default directory made absolute on the server,
// or the session's working directory.
func resolveDefaultDirectory(pool *ChannelPool, env *Environment) (string, error) {
	channel, err := pool.get(context.Background())
	if err != nil {
		return "", err
	}
	defer func() { _ = channel.Close() }()

	if env.defaultDir != "" {
		return channel.realPath(env.defaultDir)
	}
	return channel.pwd()
}

// GetFileSystem returns the open filesystem for the URI's authority.  The
// error for an unknown authority names the normalized URI, password
// excluded.
func (pr *Provider) GetFileSystem(uri string) (*FileSystem, error) {
	_, auth, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	key := auth.Key(Scheme)
	fs, ok := pr.registry.get(key)
	if !ok {
		return nil, &PathError{Op: "getfilesystem", Path: key, Err: ErrFileSystemNotFound}
	}
	return fs, nil
}

// GetPath resolves a URI against the open filesystem for its authority.
func (pr *Provider) GetPath(uri string) (*Path, error) {
	u, auth, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	key := auth.Key(Scheme)
	fs, ok := pr.registry.get(key)
	if !ok {
		return nil, &PathError{Op: "getpath", Path: key, Err: ErrFileSystemNotFound}
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return fs.Path(p), nil
}

// KeepAlive verifies the argument is a filesystem of this provider and
// pings its idle channels.  A closed filesystem reports
// ErrFileSystemClosed.
func (pr *Provider) KeepAlive(v any) error {
	fs, ok := v.(*FileSystem)
	if !ok || fs == nil || fs.provider != pr {
		return ErrProviderMismatch
	}
	return fs.KeepAlive()
}
