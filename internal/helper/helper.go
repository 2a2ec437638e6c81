// Package helper holds shared fixtures for the test suites.
package helper

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// GzipBytes compresses b the way RefSeq distributes annotation files.
func GzipBytes(b []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write(b)
	_ = gz.Close()

	return buf.Bytes()
}

// MakeAccessionList writes one accession per line to a file in dir and
// returns the file path.
func MakeAccessionList(dir string, accessions []string) (string, error) {
	f, err := os.CreateTemp(dir, "accessions")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(accessions, "\n") + "\n"); err != nil {
		return "", err
	}

	return filepath.Clean(f.Name()), nil
}
