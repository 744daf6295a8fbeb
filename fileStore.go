package sftpfs

// FileStore reports space usage for the volume behind a path, backed by the
// statvfs@openssh.com extension.  Servers without the extension answer
// every accessor with ErrUnsupportedOperation.
type FileStore struct {
	fs   *FileSystem
	path *Path
}

// Name returns the filesystem URI the store belongs to.
func (s *FileStore) Name() string {
	return s.fs.URI()
}

// Type returns "sftp".
func (s *FileStore) Type() string {
	return Scheme
}

// IsReadOnly returns false; write access is decided per file by the server.
func (s *FileStore) IsReadOnly() bool {
	return false
}

// TotalSpace returns the size of the volume in bytes.
func (s *FileStore) TotalSpace() (uint64, error) {
	stat, err := s.statVFS()
	if err != nil {
		return 0, err
	}
	return stat.total, nil
}

// UsableSpace returns the bytes available to this user.
func (s *FileStore) UsableSpace() (uint64, error) {
	stat, err := s.statVFS()
	if err != nil {
		return 0, err
	}
	return stat.available, nil
}

// UnallocatedSpace returns the free bytes on the volume.
func (s *FileStore) UnallocatedSpace() (uint64, error) {
	stat, err := s.statVFS()
	if err != nil {
		return 0, err
	}
	return stat.free, nil
}

// SupportsFileAttributeView reports whether the given view name is usable
// on files of this store.
func (s *FileStore) SupportsFileAttributeView(view string) bool {
	switch view {
	case BasicView, OwnerView, PosixView:
		return true
	}
	return false
}

func (s *FileStore) statVFS() (*vfsStat, error) {
	var stat *vfsStat
	err := s.fs.withChannel(func(channel *Channel) error {
		var serr error
		stat, serr = channel.statVFS(s.fs.resolve(s.path))
		return serr
	})
	if err != nil {
		return nil, err
	}
	return stat, nil
}
