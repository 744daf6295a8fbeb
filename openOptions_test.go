package sftpfs

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type openOptionsTestSuite struct {
	suite.Suite
}

func (ts *openOptionsTestSuite) TestDefaults() {
	parsed, err := parseOpenOptions(forRead, nil)
	ts.Require().NoError(err)
	ts.True(parsed.read)
	ts.False(parsed.write)

	parsed, err = parseOpenOptions(forWrite, nil)
	ts.Require().NoError(err)
	ts.True(parsed.write)
	ts.False(parsed.read)
}

func (ts *openOptionsTestSuite) TestAppendImpliesWrite() {
	parsed, err := parseOpenOptions(forWrite, []OpenOption{Append})
	ts.Require().NoError(err)
	ts.True(parsed.write)
	ts.True(parsed.append)
}

func (ts *openOptionsTestSuite) TestNormalization() {
	parsed, err := parseOpenOptions(forWrite, []OpenOption{Write, Create, TruncateExisting, DeleteOnClose})
	ts.Require().NoError(err)
	ts.True(parsed.write)
	ts.True(parsed.create)
	ts.True(parsed.truncate)
	ts.True(parsed.deleteOnClose)
	ts.False(parsed.createNew)
}

func (ts *openOptionsTestSuite) TestIgnoredOptions() {
	parsed, err := parseOpenOptions(forWrite, []OpenOption{Write, Sparse, Sync, Dsync})
	ts.Require().NoError(err)
	ts.True(parsed.write)
}

func (ts *openOptionsTestSuite) TestInvalidCombinations() {
	invalid := [][]OpenOption{
		{Read, Append},
		{Read, TruncateExisting},
		{Append, TruncateExisting},
		{Read, CreateNew},
	}
	for _, options := range invalid {
		_, err := parseOpenOptions(forRead, options)
		ts.Require().ErrorIs(err, ErrInvalidOptionCombination, "options %v", options)
	}
}

func (ts *openOptionsTestSuite) TestUnknownOption() {
	_, err := parseOpenOptions(forRead, []OpenOption{OpenOption("LINK_OPTION")})
	ts.Require().ErrorIs(err, ErrUnsupportedOption)
}

func (ts *openOptionsTestSuite) TestIdempotent() {
	options := []OpenOption{Write, Create, DeleteOnClose}
	first, err := parseOpenOptions(forWrite, options)
	ts.Require().NoError(err)
	second, err := parseOpenOptions(forWrite, first.options)
	ts.Require().NoError(err)
	ts.Equal(first, second, "parsing is idempotent")
}

func TestOpenOptions(t *testing.T) {
	suite.Run(t, new(openOptionsTestSuite))
}
