package sftpfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type environmentTestSuite struct {
	suite.Suite
}

func (ts *environmentTestSuite) TestChainableSetters() {
	env := NewEnvironment().
		WithUsername("bob").
		WithPassword("secret").
		WithConnectTimeout(5 * time.Second).
		WithTimeout(30 * time.Second).
		WithClientVersion("SSH-2.0-sftpfs").
		WithHostKeyAlias("alias.example.com").
		WithServerAliveInterval(15 * time.Second).
		WithServerAliveCountMax(3).
		WithConfig("Ciphers", "aes128-ctr,aes256-ctr").
		WithAgentForwarding(true).
		WithFilenameEncoding("ISO-8859-1").
		WithDefaultDirectory("/srv/data").
		WithClientConnectionCount(3).
		WithClientConnectionWaitTimeout(time.Second)

	ts.Equal("bob", env.username)
	ts.Equal("secret", env.password)
	ts.Equal(3, env.connectionCount())
	ts.Equal(time.Second, env.connectionWaitTimeout())
	ts.Equal("/srv/data", env.defaultDir)
	ts.True(env.agentForwarding)
}

func (ts *environmentTestSuite) TestConnectionCountClamping() {
	ts.Equal(defaultClientConnectionCount, NewEnvironment().connectionCount(), "default applies when unset")
	ts.Equal(1, NewEnvironment().WithClientConnectionCount(-4).connectionCount(), "clamped to at least 1")
	ts.Equal(8, NewEnvironment().WithClientConnectionCount(8).connectionCount())
}

func (ts *environmentTestSuite) TestWaitTimeoutClamping() {
	ts.Equal(time.Duration(0), NewEnvironment().connectionWaitTimeout(), "zero means wait indefinitely")
	ts.Equal(time.Duration(0), NewEnvironment().WithClientConnectionWaitTimeout(-time.Second).connectionWaitTimeout())
}

func (ts *environmentTestSuite) TestCloneIsInsulatedFromMutation() {
	env := NewEnvironment().
		WithUsername("bob").
		WithConfig("Ciphers", "aes128-ctr").
		WithIdentityFile(IdentityFile{Path: "/home/bob/.ssh/id_rsa"})

	clone := env.Clone()
	env.WithUsername("mallory").
		WithConfig("Ciphers", "none").
		WithIdentityFile(IdentityFile{Path: "/tmp/evil"})

	ts.Equal("bob", clone.username)
	ts.Equal("aes128-ctr", clone.config["Ciphers"])
	ts.Len(clone.identityFiles, 1)
}

func (ts *environmentTestSuite) TestPoolIsInsulatedFromLaterMutation() {
	server := newFakeServer()
	env := NewEnvironment().WithClientConnectionCount(2)
	fsys, _, err := newTestFileSystem(server, env)
	ts.Require().NoError(err)
	defer func() { ts.Require().NoError(fsys.Close()) }()

	// mutating the caller's environment after creation has no effect
	env.WithClientConnectionCount(99)
	ts.Equal(2, cap(fsys.pool.pool))
}

func (ts *environmentTestSuite) TestFactoryDefault() {
	ts.IsType(DefaultExceptionFactory{}, NewEnvironment().factory())
}

func (ts *environmentTestSuite) TestNameCodec() {
	codec, err := NewEnvironment().nameCodec()
	ts.Require().NoError(err)
	ts.Nil(codec, "unset encoding is UTF-8 passthrough")

	codec, err = NewEnvironment().WithFilenameEncoding("ISO-8859-1").nameCodec()
	ts.Require().NoError(err)
	ts.Require().NotNil(codec)
	ts.Equal("caf\xe9", codec.encode("café"))
	ts.Equal("café", codec.decode("caf\xe9"))

	_, err = NewEnvironment().WithFilenameEncoding("no-such-charset").nameCodec()
	ts.Require().Error(err)
}

func (ts *environmentTestSuite) TestURIUserInfoWinsOverEnvironment() {
	server := newFakeServer()
	dialer := newFakeDialer(server)
	restore := defaultPoolDialer
	defaultPoolDialer = dialer.dial
	defer func() { defaultPoolDialer = restore }()

	provider := NewProvider()
	fsys, err := provider.NewFileSystem("sftp://uriuser@example.com", NewEnvironment().WithUsername("envuser"))
	ts.Require().NoError(err)
	defer func() { ts.Require().NoError(fsys.Close()) }()

	ts.Equal("uriuser", fsys.pool.env.username)
}

func TestEnvironment(t *testing.T) {
	suite.Run(t, new(environmentTestSuite))
}
