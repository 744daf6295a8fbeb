package sftpfs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type concurrencyTestSuite struct {
	suite.Suite
	server *fakeServer
	sftpfs *FileSystem
}

func (ts *concurrencyTestSuite) SetupTest() {
	ts.server = newFakeServer()
	fsys, _, err := newTestFileSystem(ts.server, NewEnvironment().WithClientConnectionCount(3))
	ts.Require().NoError(err)
	ts.sftpfs = fsys
}

func (ts *concurrencyTestSuite) TearDownTest() {
	ts.Require().NoError(ts.sftpfs.Close())
}

func (ts *concurrencyTestSuite) TestConcurrentReads() {
	for i := 0; i < 10; i++ {
		ts.server.addFile(fmt.Sprintf("/home/user/file-%d.txt", i), fmt.Sprintf("contents %d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for worker := 0; worker < 5; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := ts.sftpfs.ReadAttributes(ts.sftpfs.Path(fmt.Sprintf("file-%d.txt", i)), true); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		ts.Require().NoError(err)
	}

	ts.Equal(3, ts.server.dials(), "physical concurrency stays bounded by the pool")
	ts.Equal(3, len(ts.sftpfs.pool.pool), "all channels back in the queue")
}

func (ts *concurrencyTestSuite) TestConcurrentWritersToDistinctFiles() {
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p := ts.sftpfs.Path(fmt.Sprintf("out-%d.txt", id))
			out, err := ts.sftpfs.NewOutputStream(p, Write, Create)
			if err != nil {
				errs <- err
				return
			}
			if _, err := out.Write([]byte(fmt.Sprintf("worker %d", id))); err != nil {
				errs <- err
			}
			if err := out.Close(); err != nil {
				errs <- err
			}
		}(worker)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		ts.Require().NoError(err)
	}

	for worker := 0; worker < 8; worker++ {
		ts.True(ts.server.exists(fmt.Sprintf("/home/user/out-%d.txt", worker)))
	}
	ts.Equal(3, len(ts.sftpfs.pool.pool))
}

func TestConcurrency(t *testing.T) {
	suite.Run(t, new(concurrencyTestSuite))
}
