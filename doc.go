/*
Package sftpfs exposes a remote host's files, reachable over the SSH File
Transfer Protocol, as a path-addressable filesystem.  Operations are carried
out over a bounded pool of long-lived SSH/SFTP channels shared by all
concurrent callers.

# Usage

Open a filesystem through the provider, then operate on paths bound to it:

	env := sftpfs.NewEnvironment().
		WithPassword("mypassword").
		WithKnownHosts("/home/bob/.ssh/known_hosts").
		WithClientConnectionCount(3)

	fs, err := sftpfs.NewFileSystem("sftp://bob@server.com:22", env)
	if err != nil {
		// handle error
	}
	defer fs.Close()

	in, err := fs.NewInputStream(fs.Path("/some/path/file.txt"))
	if err != nil {
		// handle error
	}
	defer in.Close()

At most one filesystem is open per authority (scheme, user, host, port).  A
second NewFileSystem for the same authority fails until the first is
closed; GetFileSystem and GetPath look up the open one:

	p, err := sftpfs.GetPath("sftp://bob@server.com/some/path/file.txt")

# Authentication

Authentication material comes from the environment: a password, private
keys (in memory or on disk), or an SSH agent.  Host keys verify against an
explicit callback, a configured known-hosts file, or the usual OpenSSH
locations (~/.ssh/known_hosts, /etc/ssh/ssh_known_hosts).

# Channel pool

Every filesystem call acquires one channel from the pool, holds it for the
duration of the call, and releases it on return.  Streams returned by
NewInputStream, NewOutputStream and NewByteChannel keep a reference on
their channel until closed, so a channel is never recycled while its bytes
are still in flight.  Pool capacity and the acquisition wait timeout come
from WithClientConnectionCount and WithClientConnectionWaitTimeout.
*/
package sftpfs
