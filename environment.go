package sftpfs

import (
	"net"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	_sftp "github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

const systemWideKnownHosts = "/etc/ssh/ssh_known_hosts"

const (
	defaultClientConnectionCount       = 5
	defaultClientConnectionWaitTimeout = 0 // wait indefinitely
)

// DialFunc opens the raw transport connection to the SSH server.  It stands
// in for a custom socket factory.
type DialFunc func(network, address string) (net.Conn, error)

// IdentityFile names a private key on disk, with an optional passphrase.
//
// Note that as of go 1.12, OPENSSH private key format is not supported when
// encrypted (with passphrase).  To force creation of PEM format (instead of
// OPENSSH format), use `ssh-keygen -m PEM`.
type IdentityFile struct {
	Path       string
	Passphrase string
}

// Environment holds the session, authentication, channel and pool settings
// used to open an SFTP filesystem.  Setters are chainable:
//
//	env := sftpfs.NewEnvironment().
//		WithPassword("secret").
//		WithKnownHosts("/home/bob/.ssh/known_hosts").
//		WithClientConnectionCount(3)
//
// The filesystem clones the environment when it takes ownership, so later
// mutation by the caller has no effect on an open filesystem.
type Environment struct {
	username string
	password string

	connectTimeout time.Duration
	timeout        time.Duration

	clientVersion       string
	hostKeyAlias        string
	serverAliveInterval time.Duration
	serverAliveCountMax int

	proxy         proxy.Dialer
	socketFactory DialFunc
	userInfo      ssh.KeyboardInteractiveChallenge
	config        map[string]string

	identities      []ssh.Signer
	identityFiles   []IdentityFile
	identityAgent   string
	hostKeyCallback ssh.HostKeyCallback
	knownHosts      string

	agentForwarding  bool
	filenameEncoding string

	defaultDir                  string
	clientConnectionCount       int
	clientConnectionWaitTimeout time.Duration

	exceptionFactory ExceptionFactory
	logger           *zap.Logger
}

// NewEnvironment returns an empty environment.  All settings are optional;
// an empty environment connects anonymously on port 22 with known-hosts
// verification against the usual OpenSSH locations.
func NewEnvironment() *Environment {
	return &Environment{}
}

// WithUsername stores the username to use.  A username in the filesystem URI
// takes precedence over this value.
func (env *Environment) WithUsername(username string) *Environment {
	env.username = username
	return env
}

// WithPassword stores the password to use for password authentication.
func (env *Environment) WithPassword(password string) *Environment {
	env.password = password
	return env
}

// WithConnectTimeout stores the connection timeout applied to the transport
// dial and SSH handshake.
func (env *Environment) WithConnectTimeout(timeout time.Duration) *Environment {
	env.connectTimeout = timeout
	return env
}

// WithTimeout stores the socket read timeout.
func (env *Environment) WithTimeout(timeout time.Duration) *Environment {
	env.timeout = timeout
	return env
}

// WithClientVersion stores the SSH client version string sent during the
// handshake.
func (env *Environment) WithClientVersion(version string) *Environment {
	env.clientVersion = version
	return env
}

// WithHostKeyAlias stores the alias used instead of the real hostname when
// looking up and verifying the host key.
func (env *Environment) WithHostKeyAlias(alias string) *Environment {
	env.hostKeyAlias = alias
	return env
}

// WithServerAliveInterval stores the interval at which each channel sends
// keep-alive messages in the background.  Zero disables them.
func (env *Environment) WithServerAliveInterval(interval time.Duration) *Environment {
	env.serverAliveInterval = interval
	return env
}

// WithServerAliveCountMax stores the number of consecutive failed keep-alive
// messages after which a channel stops sending them.  The pool replaces such
// a channel when its liveness probe fails on the next acquisition.
func (env *Environment) WithServerAliveCountMax(count int) *Environment {
	env.serverAliveCountMax = count
	return env
}

// WithProxy stores the proxy dialer (e.g. one built with
// golang.org/x/net/proxy.SOCKS5) used to reach the server.
func (env *Environment) WithProxy(dialer proxy.Dialer) *Environment {
	env.proxy = dialer
	return env
}

// WithSocketFactory stores a custom transport dialer.  Ignored when a proxy
// is set.
func (env *Environment) WithSocketFactory(dial DialFunc) *Environment {
	env.socketFactory = dial
	return env
}

// WithUserInfo stores the keyboard-interactive callback used to answer
// authentication challenges.
func (env *Environment) WithUserInfo(challenge ssh.KeyboardInteractiveChallenge) *Environment {
	env.userInfo = challenge
	return env
}

// WithConfig stores an SSH configuration override.  Recognized keys are
// "Ciphers", "KeyExchanges", "MACs" and "HostKeyAlgorithms", each taking a
// comma-separated algorithm list.  Unknown keys are retained but ignored.
// This method adds to any previously set options.
func (env *Environment) WithConfig(key, value string) *Environment {
	if env.config == nil {
		env.config = map[string]string{}
	}
	env.config[key] = value
	return env
}

// WithIdentity stores a private key to authenticate with.  This method adds
// to any previously set identities.
func (env *Environment) WithIdentity(signer ssh.Signer) *Environment {
	env.identities = append(env.identities, signer)
	return env
}

// WithIdentityFile stores a private key file to authenticate with.  This
// method adds to any previously set identities.
func (env *Environment) WithIdentityFile(file IdentityFile) *Environment {
	env.identityFiles = append(env.identityFiles, file)
	return env
}

// WithIdentityAgent stores the path of an SSH agent socket.  The agent's
// identities are offered during authentication.
func (env *Environment) WithIdentityAgent(socketPath string) *Environment {
	env.identityAgent = socketPath
	return env
}

// WithHostKeyCallback stores an explicit host key verification callback.
// Takes precedence over known-hosts files.
func (env *Environment) WithHostKeyCallback(callback ssh.HostKeyCallback) *Environment {
	env.hostKeyCallback = callback
	return env
}

// WithKnownHosts stores the known hosts file to use.  Ignored if a host key
// callback is set.
func (env *Environment) WithKnownHosts(file string) *Environment {
	env.knownHosts = file
	return env
}

// WithAgentForwarding stores whether connections forward the local SSH agent.
// Requires an identity agent.
func (env *Environment) WithAgentForwarding(forwarding bool) *Environment {
	env.agentForwarding = forwarding
	return env
}

// WithFilenameEncoding stores the IANA charset name the server uses for
// filenames.  Names are transcoded at the channel boundary.  Leave unset for
// UTF-8 servers.
func (env *Environment) WithFilenameEncoding(charset string) *Environment {
	env.filenameEncoding = charset
	return env
}

// WithDefaultDirectory stores the remote directory that relative paths are
// resolved against.  It must exist; channel setup fails otherwise.
func (env *Environment) WithDefaultDirectory(pathname string) *Environment {
	env.defaultDir = pathname
	return env
}

// WithClientConnectionCount stores the channel pool capacity.  This value
// bounds the number of concurrent SFTP operations.
func (env *Environment) WithClientConnectionCount(count int) *Environment {
	env.clientConnectionCount = count
	return env
}

// WithClientConnectionWaitTimeout stores how long an operation waits for a
// pooled channel to become available.  Zero (the default) waits
// indefinitely.
func (env *Environment) WithClientConnectionWaitTimeout(timeout time.Duration) *Environment {
	env.clientConnectionWaitTimeout = timeout
	return env
}

// WithExceptionFactory stores the factory used to translate SFTP failures
// into filesystem errors.
func (env *Environment) WithExceptionFactory(factory ExceptionFactory) *Environment {
	env.exceptionFactory = factory
	return env
}

// WithLogger stores the logger used by the filesystem and its channel pool.
func (env *Environment) WithLogger(logger *zap.Logger) *Environment {
	env.logger = logger
	return env
}

// Clone returns an independent copy of the environment.  Owned collections
// are duplicated; identity-bearing values (dialers, signers, callbacks) are
// shared by reference.
func (env *Environment) Clone() *Environment {
	clone := *env
	if env.config != nil {
		clone.config = make(map[string]string, len(env.config))
		for k, v := range env.config {
			clone.config[k] = v
		}
	}
	clone.identities = append([]ssh.Signer(nil), env.identities...)
	clone.identityFiles = append([]IdentityFile(nil), env.identityFiles...)
	return &clone
}

func (env *Environment) connectionCount() int {
	if env.clientConnectionCount < 1 {
		if env.clientConnectionCount == 0 {
			return defaultClientConnectionCount
		}
		return 1
	}
	return env.clientConnectionCount
}

func (env *Environment) connectionWaitTimeout() time.Duration {
	if env.clientConnectionWaitTimeout < 0 {
		return defaultClientConnectionWaitTimeout
	}
	return env.clientConnectionWaitTimeout
}

func (env *Environment) factory() ExceptionFactory {
	if env.exceptionFactory != nil {
		return env.exceptionFactory
	}
	return DefaultExceptionFactory{}
}

func (env *Environment) log() *zap.Logger {
	if env.logger != nil {
		return env.logger
	}
	return zap.NewNop()
}

/*
	Channel construction
*/

// transport is the SSH connection beneath an SFTP channel.  Keep-alive
// probes and disconnects go through it.
type transport interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// openChannel dials a session, authenticates, opens the SFTP subsystem,
// validates the default directory and verifies the connection with a pwd
// call.  It is the dial path behind every pooled and ad-hoc channel.
func (env *Environment) openChannel(host string, port int) (Client, transport, error) {
	config, agentClient, agentConn, err := env.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := env.dialConn(addr)
	if err != nil {
		closeQuietly(agentConn)
		return nil, nil, asFileSystemError("dial", addr, err)
	}
	if env.timeout > 0 {
		conn = &deadlineConn{Conn: conn, timeout: env.timeout}
	}

	if env.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(env.connectTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		closeQuietly(agentConn)
		return nil, nil, asFileSystemError("connect", addr, err)
	}
	if env.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	if env.agentForwarding && agentClient != nil {
		if err := agent.ForwardToAgent(sshClient, agentClient); err != nil {
			_ = sshClient.Close()
			closeQuietly(agentConn)
			return nil, nil, asFileSystemError("agent-forwarding", addr, err)
		}
	}

	sftpClient, err := _sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		closeQuietly(agentConn)
		return nil, nil, asFileSystemError("sftp", addr, err)
	}

	codec, err := env.nameCodec()
	if err != nil {
		_ = sftpClient.Close()
		_ = sshClient.Close()
		closeQuietly(agentConn)
		return nil, nil, err
	}

	client := &realClient{client: sftpClient, codec: codec}
	tp := &channelTransport{ssh: sshClient, extra: agentConn}

	// chdir equivalent: the client itself is stateless, so the default
	// directory is validated here and applied during path resolution.
	if env.defaultDir != "" {
		info, serr := client.Stat(env.defaultDir)
		if serr != nil {
			_ = client.Close()
			_ = tp.Close()
			return nil, nil, env.factory().ChangeWorkingDirectoryError(env.defaultDir, serr)
		}
		if !info.IsDir() {
			_ = client.Close()
			_ = tp.Close()
			return nil, nil, env.factory().ChangeWorkingDirectoryError(env.defaultDir, ErrNotADirectory)
		}
	}

	// verify the connection with a trivial call
	if _, err := client.Getwd(); err != nil {
		_ = client.Close()
		_ = tp.Close()
		return nil, nil, asFileSystemError("pwd", addr, err)
	}

	return client, tp, nil
}

// clientConfig assembles the ssh.ClientConfig from the environment.  The
// returned agent connection, if any, must live as long as the channel.
func (env *Environment) clientConfig() (*ssh.ClientConfig, agent.ExtendedAgent, net.Conn, error) {
	var (
		agentClient agent.ExtendedAgent
		agentConn   net.Conn
	)

	auth := make([]ssh.AuthMethod, 0, 4)
	if env.password != "" {
		auth = append(auth, ssh.Password(env.password))
	}
	if env.userInfo != nil {
		auth = append(auth, ssh.KeyboardInteractive(env.userInfo))
	}

	signers := append([]ssh.Signer(nil), env.identities...)
	for _, file := range env.identityFiles {
		signer, err := loadIdentityFile(file)
		if err != nil {
			return nil, nil, nil, err
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}

	if env.identityAgent != "" {
		conn, err := net.Dial("unix", env.identityAgent)
		if err != nil {
			return nil, nil, nil, asFileSystemError("agent", env.identityAgent, err)
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
		auth = append(auth, ssh.PublicKeysCallback(agentClient.Signers))
	}

	hostKeyCallback, err := env.hostKeyVerifier()
	if err != nil {
		closeQuietly(agentConn)
		return nil, nil, nil, err
	}

	config := &ssh.ClientConfig{
		User:            env.username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		ClientVersion:   env.clientVersion,
		Timeout:         env.connectTimeout,
	}

	for key, value := range env.config {
		algorithms := strings.Split(value, ",")
		switch key {
		case "Ciphers":
			config.Ciphers = algorithms
		case "KeyExchanges":
			config.KeyExchanges = algorithms
		case "MACs":
			config.MACs = algorithms
		case "HostKeyAlgorithms":
			config.HostKeyAlgorithms = algorithms
		}
	}

	return config, agentClient, agentConn, nil
}

// hostKeyVerifier resolves the host key callback: explicit callback first,
// then the configured known-hosts file, then the user/system-wide OpenSSH
// locations.  The host key alias, when set, replaces the hostname presented
// to the callback.
func (env *Environment) hostKeyVerifier() (ssh.HostKeyCallback, error) {
	callback := env.hostKeyCallback
	if callback == nil {
		var knownHostsFiles []string
		if env.knownHosts != "" {
			found, err := foundFile(env.knownHosts)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, asFileSystemError("known-hosts", env.knownHosts, os.ErrNotExist)
			}
			knownHostsFiles = append(knownHostsFiles, env.knownHosts)
		} else {
			var err error
			knownHostsFiles, err = findHomeSystemKnownHosts()
			if err != nil {
				return nil, err
			}
		}

		var err error
		callback, err = knownhosts.New(knownHostsFiles...)
		if err != nil {
			return nil, asFileSystemError("known-hosts", strings.Join(knownHostsFiles, ","), err)
		}
	}

	if env.hostKeyAlias == "" {
		return callback, nil
	}

	alias := env.hostKeyAlias
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		_, port, err := net.SplitHostPort(hostname)
		if err != nil {
			port = "22"
		}
		return callback(net.JoinHostPort(alias, port), remote, key)
	}, nil
}

// findHomeSystemKnownHosts returns the known_hosts paths OpenSSH would use
// (~/.ssh/known_hosts plus the system-wide file on unix-like systems).
func findHomeSystemKnownHosts() ([]string, error) {
	var knownHostsFiles []string

	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	homeKnownHostsPath := path.Join(home, ".ssh/known_hosts")

	// check file existence first to prevent auto-vivification of file
	found, err := foundFile(homeKnownHostsPath)
	if err != nil {
		return nil, err
	}
	if found {
		knownHostsFiles = append(knownHostsFiles, homeKnownHostsPath)
	}

	// SSH doesn't exist natively on Windows and each implementation has a
	// different location for known_hosts.  Better to set KnownHosts there.
	if runtime.GOOS != "windows" {
		found, err := foundFile(systemWideKnownHosts)
		if err != nil {
			return nil, err
		}
		if found {
			knownHostsFiles = append(knownHostsFiles, systemWideKnownHosts)
		}
	}
	return knownHostsFiles, nil
}

func foundFile(file string) (bool, error) {
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func loadIdentityFile(file IdentityFile) (ssh.Signer, error) {
	buf, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, err
	}
	if file.Passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(buf, []byte(file.Passphrase))
	}
	return ssh.ParsePrivateKey(buf)
}

// dialConn opens the raw transport: proxy, then socket factory, then a plain
// dialer with the connect timeout.
func (env *Environment) dialConn(addr string) (net.Conn, error) {
	if env.proxy != nil {
		return env.proxy.Dial("tcp", addr)
	}
	if env.socketFactory != nil {
		return env.socketFactory("tcp", addr)
	}
	dialer := &net.Dialer{Timeout: env.connectTimeout}
	return dialer.Dial("tcp", addr)
}

// nameCodec resolves the filename encoding.  A nil codec means UTF-8
// passthrough.
func (env *Environment) nameCodec() (*nameCodec, error) {
	if env.filenameEncoding == "" {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(env.filenameEncoding)
	if err != nil || enc == nil {
		return nil, asFileSystemError("filename-encoding", env.filenameEncoding, ErrUnsupportedOption)
	}
	return &nameCodec{encoder: enc.NewEncoder(), decoder: enc.NewDecoder()}, nil
}

type nameCodec struct {
	encoder *encoding.Encoder
	decoder *encoding.Decoder
}

func (c *nameCodec) encode(name string) string {
	if c == nil {
		return name
	}
	if encoded, err := c.encoder.String(name); err == nil {
		return encoded
	}
	return name
}

func (c *nameCodec) decode(name string) string {
	if c == nil {
		return name
	}
	if decoded, err := c.decoder.String(name); err == nil {
		return decoded
	}
	return name
}

// deadlineConn applies the socket read timeout before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// channelTransport ties the SSH client and any auxiliary connections (agent
// socket) to the channel lifetime.
type channelTransport struct {
	ssh   *ssh.Client
	extra net.Conn
}

func (t *channelTransport) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return t.ssh.SendRequest(name, wantReply, payload)
}

func (t *channelTransport) Close() error {
	err := t.ssh.Close()
	closeQuietly(t.extra)
	return err
}

func closeQuietly(conn net.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
