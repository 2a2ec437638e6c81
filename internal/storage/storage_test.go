package storage

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type StorageTestSuite struct {
	suite.Suite
	s3Mock *httptest.Server
}

var testConf = Conf{}
var writeData = []byte("this is a test")

const posixType = "posix"
const s3Type = "s3"
const sftpType = "sftp"

func TestStorageTestSuite(t *testing.T) {
	suite.Run(t, new(StorageTestSuite))
}

func (suite *StorageTestSuite) SetupTest() {
	suite.s3Mock = httptest.NewServer(gofakes3.New(s3mem.New()).Server())

	testConf = Conf{
		Type: posixType,
		S3: S3Conf{
			URL:               suite.s3Mock.URL,
			AccessKey:         "access",
			SecretKey:         "secretKey",
			Bucket:            "bucket",
			Region:            "us-east-1",
			UploadConcurrency: 10,
			Chunksize:         5 * 1024 * 1024,
		},
	}
	testConf.Posix.Location = os.TempDir()
}

func (suite *StorageTestSuite) TearDownTest() {
	suite.s3Mock.Close()
}

func (suite *StorageTestSuite) TestNewBackend() {
	testConf.Type = posixType
	p, err := NewBackend(testConf)
	assert.NoError(suite.T(), err, "Backend posix failed")
	assert.IsType(suite.T(), p, &posixBackend{}, "Wrong type from NewBackend with posix")

	testConf.Type = s3Type
	s, err := NewBackend(testConf)
	assert.NoError(suite.T(), err, "Backend s3 failed")
	assert.IsType(suite.T(), s, &s3Backend{}, "Wrong type from NewBackend with S3")
}

func (suite *StorageTestSuite) TestPosixBackend() {
	posixPath, _ := os.MkdirTemp("", "posix")
	defer os.RemoveAll(posixPath)
	testConf.Type = posixType
	testConf.Posix.Location = posixPath
	backend, err := NewBackend(testConf)
	assert.Nil(suite.T(), err, "POSIX backend failed unexpectedly")

	exists, err := backend.Exists("testFile")
	assert.NoError(suite.T(), err, "posix Exists failed when it shouldn't")
	assert.False(suite.T(), exists, "a file that was never written exists")

	writer, err := backend.NewFileWriter("testFile")
	assert.NotNil(suite.T(), writer, "Got a nil writer from posix")
	assert.NoError(suite.T(), err, "posix NewFileWriter failed when it shouldn't")

	written, err := writer.Write(writeData)
	assert.NoError(suite.T(), err, "Failure when writing to posix writer")
	assert.Equal(suite.T(), len(writeData), written, "Did not write all writeData")
	assert.NoError(suite.T(), writer.Close())

	exists, err = backend.Exists("testFile")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), exists, "a written file does not exist")

	size, err := backend.GetFileSize("testFile")
	assert.Nil(suite.T(), err, "posix GetFileSize failed when it should work")
	assert.Equal(suite.T(), int64(len(writeData)), size, "Got an incorrect file size")

	reader, err := backend.NewFileReader("testFile")
	assert.Nil(suite.T(), err, "posix NewFileReader failed when it should work")
	readBack, err := io.ReadAll(reader)
	assert.NoError(suite.T(), err, "unexpected error when reading back data")
	assert.Equal(suite.T(), writeData, readBack, "did not read back data as expected")

	err = backend.RemoveFile("testFile")
	assert.Nil(suite.T(), err, "posix RemoveFile failed when it should work")

	reader, err = backend.NewFileReader("posixDoesNotExist")
	assert.Error(suite.T(), err, "posix NewFileReader worked when it should not")
	assert.Nil(suite.T(), reader, "Got a non-nil reader for posix")

	_, err = backend.GetFileSize("posixDoesNotExist")
	assert.Error(suite.T(), err, "posix GetFileSize worked when it should not")
}

func (suite *StorageTestSuite) TestPosixWriterCreatesDirectories() {
	posixPath, _ := os.MkdirTemp("", "posix")
	defer os.RemoveAll(posixPath)

	// the location itself may be missing until the first write
	location := filepath.Join(posixPath, "downloads")
	testConf.Type = posixType
	testConf.Posix.Location = location
	backend, err := NewBackend(testConf)
	assert.NoError(suite.T(), err, "POSIX backend failed for a missing location")

	writer, err := backend.NewFileWriter("genome.gbff.gz")
	assert.NoError(suite.T(), err, "posix NewFileWriter did not create the location")
	_, err = writer.Write(writeData)
	assert.NoError(suite.T(), err)
	assert.NoError(suite.T(), writer.Close())

	_, err = os.Stat(filepath.Join(location, "genome.gbff.gz"))
	assert.NoError(suite.T(), err, "written file missing from created location")
}

func (suite *StorageTestSuite) TestPosixBackendFailures() {
	testConf.Type = posixType
	testConf.Posix.Location = ""
	backEnd, err := NewBackend(testConf)
	assert.NotNil(suite.T(), err, "Backend worked when it should not")
	assert.Nil(suite.T(), backEnd, "Got a backend when expected not to")

	testConf.Posix.Location = "/etc/passwd"
	backEnd, err = NewBackend(testConf)
	assert.NotNil(suite.T(), err, "Backend worked when it should not")
	assert.Nil(suite.T(), backEnd, "Got a backend when expected not to")

	var dummyBackend *posixBackend
	failReader, err := dummyBackend.NewFileReader("/")
	assert.NotNil(suite.T(), err, "NewFileReader worked when it should not")
	assert.Nil(suite.T(), failReader, "Got a Reader when expected not to")

	failWriter, err := dummyBackend.NewFileWriter("/")
	assert.NotNil(suite.T(), err, "NewFileWriter worked when it should not")
	assert.Nil(suite.T(), failWriter, "Got a Writer when expected not to")

	_, err = dummyBackend.GetFileSize("/")
	assert.NotNil(suite.T(), err, "GetFileSize worked when it should not")

	_, err = dummyBackend.Exists("/")
	assert.NotNil(suite.T(), err, "Exists worked when it should not")

	err = dummyBackend.RemoveFile("/")
	assert.NotNil(suite.T(), err, "RemoveFile worked when it should not")
}

func (suite *StorageTestSuite) TestS3Backend() {
	testConf.Type = s3Type
	s3back, err := NewBackend(testConf)
	assert.NoError(suite.T(), err, "Backend failed")

	exists, err := s3back.Exists("s3Creatable")
	assert.NoError(suite.T(), err, "s3 Exists failed when it shouldn't")
	assert.False(suite.T(), exists, "an object that was never written exists")

	writer, err := s3back.NewFileWriter("s3Creatable")
	assert.NotNil(suite.T(), writer, "Got a nil writer from s3")
	assert.Nil(suite.T(), err, "s3 NewFileWriter failed when it shouldn't")

	written, err := writer.Write(writeData)
	assert.Nil(suite.T(), err, "Failure when writing to s3 writer")
	assert.Equal(suite.T(), len(writeData), written, "Did not write all writeData")
	assert.NoError(suite.T(), writer.Close(), "s3 writer close failed")

	exists, err = s3back.Exists("s3Creatable")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), exists, "a written object does not exist")

	size, err := s3back.GetFileSize("s3Creatable")
	assert.Nil(suite.T(), err, "s3 GetFileSize failed when it should work")
	assert.Equal(suite.T(), int64(len(writeData)), size, "Got an incorrect file size")

	reader, err := s3back.NewFileReader("s3Creatable")
	assert.NoError(suite.T(), err, "s3 NewFileReader failed when it should work")
	var readBackBuffer bytes.Buffer
	_, err = io.Copy(&readBackBuffer, reader)
	assert.NoError(suite.T(), err, "unexpected error when reading back data")
	assert.Equal(suite.T(), writeData, readBackBuffer.Bytes(), "did not read back data as expected")

	err = s3back.RemoveFile("s3Creatable")
	assert.Nil(suite.T(), err, "s3 RemoveFile failed when it should work")

	_, err = s3back.GetFileSize("s3DoesNotExist")
	assert.Error(suite.T(), err, "s3 GetFileSize worked when it should not")

	reader, err = s3back.NewFileReader("s3DoesNotExist")
	assert.Error(suite.T(), err, "s3 NewFileReader worked when it should not")
	assert.Nil(suite.T(), reader, "Got a non-nil reader for s3")

	testConf.S3.URL = "file://tmp/"
	_, err = NewBackend(testConf)
	assert.Error(suite.T(), err, "Backend worked when it should not")
}

func (suite *StorageTestSuite) TestSftpBackendFailures() {
	testConf.Type = sftpType

	testConf.SFTP = SftpConf{
		Host:       "localhost",
		Port:       "6222",
		UserName:   "user",
		PemKeyPath: "nonexistentkey",
	}
	_, err := NewBackend(testConf)
	assert.EqualError(suite.T(), err, "failed to read from key file, open nonexistentkey: no such file or directory")

	f, err := os.CreateTemp("", "dummy")
	assert.NoError(suite.T(), err)
	defer os.Remove(f.Name())
	testConf.SFTP.PemKeyPath = f.Name()
	_, err = NewBackend(testConf)
	assert.EqualError(suite.T(), err, "failed to parse private key, ssh: no key found")

	var dummyBackend *sftpBackend
	failReader, err := dummyBackend.NewFileReader("/")
	assert.NotNil(suite.T(), err, "NewFileReader worked when it should not")
	assert.Nil(suite.T(), failReader, "Got a Reader when expected not to")

	failWriter, err := dummyBackend.NewFileWriter("/")
	assert.NotNil(suite.T(), err, "NewFileWriter worked when it should not")
	assert.Nil(suite.T(), failWriter, "Got a Writer when expected not to")

	_, err = dummyBackend.GetFileSize("/")
	assert.NotNil(suite.T(), err, "GetFileSize worked when it should not")

	_, err = dummyBackend.Exists("/")
	assert.NotNil(suite.T(), err, "Exists worked when it should not")

	err = dummyBackend.RemoveFile("/")
	assert.NotNil(suite.T(), err, "RemoveFile worked when it should not")
	assert.EqualError(suite.T(), err, "invalid sftpBackend")
}
