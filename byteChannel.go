package sftpfs

import (
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// ByteChannel is a seekable byte channel over a remote file.  Random access
// is limited by the underlying transport: reads and writes move a single
// cursor on one open remote handle.  The channel holds a pool reference
// until closed.
type ByteChannel struct {
	channel       *Channel
	path          string
	file          ReadWriteSeekCloser
	readable      bool
	writable      bool
	deleteOnClose bool
	closed        bool
}

// NewByteChannel opens a remote file as a seekable byte channel.
func (fsys *FileSystem) NewByteChannel(p *Path, options ...OpenOption) (*ByteChannel, error) {
	parsed, err := parseOpenOptions(forRead, options)
	if err != nil {
		return nil, err
	}

	var bc *ByteChannel
	err = fsys.withStreamChannel(func(channel *Channel) error {
		abs := fsys.resolve(p)
		if parsed.write {
			if cerr := fsys.checkWriteTarget(channel, abs, parsed); cerr != nil {
				return cerr
			}
		}

		flags := os.O_RDONLY
		switch {
		case parsed.read && parsed.write:
			flags = os.O_RDWR
		case parsed.write:
			flags = os.O_WRONLY
		}
		if parsed.create || parsed.createNew {
			flags |= os.O_CREATE
		}
		if parsed.truncate {
			flags |= os.O_TRUNC
		}
		if parsed.append {
			flags |= os.O_APPEND
		}

		file, oerr := channel.client.OpenFile(abs, flags)
		if oerr != nil {
			if parsed.write {
				return channel.factory().NewOutputStreamError(abs, oerr, parsed.options)
			}
			return channel.factory().NewInputStreamError(abs, oerr)
		}
		channel.increaseRefCount()
		bc = &ByteChannel{
			channel:       channel,
			path:          abs,
			file:          file,
			readable:      parsed.read,
			writable:      parsed.write,
			deleteOnClose: parsed.deleteOnClose,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bc, nil
}

func (ch *ByteChannel) Read(p []byte) (int, error) {
	if ch.closed {
		return 0, ErrFileSystemClosed
	}
	if !ch.readable {
		return 0, &PathError{Op: "read", Path: ch.path, Err: ErrInvalidOptionCombination}
	}
	return ch.file.Read(p)
}

func (ch *ByteChannel) Write(p []byte) (int, error) {
	if ch.closed {
		return 0, ErrFileSystemClosed
	}
	if !ch.writable {
		return 0, &PathError{Op: "write", Path: ch.path, Err: ErrInvalidOptionCombination}
	}
	return ch.file.Write(p)
}

// Seek repositions the cursor.
func (ch *ByteChannel) Seek(offset int64, whence int) (int64, error) {
	if ch.closed {
		return 0, ErrFileSystemClosed
	}
	return ch.file.Seek(offset, whence)
}

// Position returns the current cursor position.
func (ch *ByteChannel) Position() (int64, error) {
	return ch.Seek(0, io.SeekCurrent)
}

// Size returns the current size of the remote file.
func (ch *ByteChannel) Size() (int64, error) {
	if ch.closed {
		return 0, ErrFileSystemClosed
	}
	info, err := ch.channel.readAttributes(ch.path, true)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate shortens the remote file to the given size.
func (ch *ByteChannel) Truncate(size int64) error {
	if ch.closed {
		return ErrFileSystemClosed
	}
	if !ch.writable {
		return &PathError{Op: "truncate", Path: ch.path, Err: ErrInvalidOptionCombination}
	}
	t, ok := ch.file.(truncater)
	if !ok {
		return &PathError{Op: "truncate", Path: ch.path, Err: ErrUnsupportedOperation}
	}
	if err := t.Truncate(size); err != nil {
		return asFileSystemError("truncate", ch.path, err)
	}
	return nil
}

// Close releases the remote handle and the pool reference, exactly once.
func (ch *ByteChannel) Close() error {
	if ch.closed {
		return nil
	}
	ch.closed = true

	var result *multierror.Error
	if err := ch.file.Close(); err != nil {
		result = multierror.Append(result, asFileSystemError("close", ch.path, err))
	}
	if ch.deleteOnClose {
		if err := ch.channel.delete(ch.path, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := ch.channel.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
