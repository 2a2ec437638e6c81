// Package download implements the per accession fetch and extract
// operation: check local presence, check remote presence, stream the
// compressed annotation file to the configured sink and extract it.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/nbisweden/refseq-fetch/internal/accession"
	"github.com/nbisweden/refseq-fetch/internal/remote"
	"github.com/nbisweden/refseq-fetch/internal/storage"
)

// Result describes the outcome for a single accession.
type Result string

const (
	// Downloaded means the annotation file was fetched and extracted.
	Downloaded Result = "downloaded"
	// SkippedExists means a local copy was already present.
	SkippedExists Result = "already exists"
	// SkippedMissing means the repository does not hold the file.
	SkippedMissing Result = "not found"
	// SkippedInvalid means the accession string could not be parsed.
	SkippedInvalid Result = "invalid accession"
	// Failed means a transport or filesystem error stopped this accession.
	Failed Result = "failed"
)

// Downloader fetches annotation files for single accessions.
type Downloader struct {
	client  *remote.Client
	backend storage.Backend
}

// New creates a Downloader on top of a repository client and a storage
// backend.
func New(client *remote.Client, backend storage.Backend) *Downloader {
	return &Downloader{client: client, backend: backend}
}

// Fetch processes one accession. Skips are reported through the Result
// with a nil error so a batch caller can carry on, only transport and
// filesystem problems return an error.
func (d *Downloader) Fetch(ctx context.Context, id string) (Result, error) {
	acc, err := accession.Parse(id)
	if err != nil {
		log.Infof("%v", err)

		return SkippedInvalid, nil
	}

	// Either form on disk counts as already materialized. A leftover
	// archive from an interrupted extraction is therefore never retried,
	// remove it manually to force a new download.
	for _, name := range []string{acc.FileName(), acc.ArchiveName()} {
		exists, err := d.backend.Exists(name)
		if err != nil {
			return Failed, fmt.Errorf("failed to check for %s, reason: %v", name, err)
		}
		if exists {
			return SkippedExists, nil
		}
	}

	// The existence check and the following download can race with the
	// repository, acceptable for a sequential single operator tool.
	size, err := d.client.Head(ctx, acc.RemotePath())
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return SkippedMissing, nil
		}

		return Failed, fmt.Errorf("failed to check remote file for %s, reason: %v", acc.ID, err)
	}

	if err := d.fetchArchive(ctx, acc, size); err != nil {
		return Failed, err
	}

	if err := d.extract(acc); err != nil {
		return Failed, err
	}

	return Downloaded, nil
}

// fetchArchive streams the compressed annotation file to the backend in
// chunk sized reads so memory use stays bounded regardless of file size.
// When the repository advertised a size on the existence check the stored
// archive is verified against it, a short file means the transfer was
// truncated.
func (d *Downloader) fetchArchive(ctx context.Context, acc accession.Accession, expected int64) error {
	body, err := d.client.Get(ctx, acc.RemotePath())
	if err != nil {
		return fmt.Errorf("failed to fetch %s, reason: %v", acc.RemotePath(), err)
	}
	defer body.Close()

	writer, err := d.backend.NewFileWriter(acc.ArchiveName())
	if err != nil {
		return fmt.Errorf("failed to create %s, reason: %v", acc.ArchiveName(), err)
	}

	buf := make([]byte, d.client.ChunkSize())
	if _, err := io.CopyBuffer(writer, body, buf); err != nil {
		_ = writer.Close()
		d.discardPartial(acc.ArchiveName())

		return fmt.Errorf("failed to download %s, reason: %v", acc.ArchiveName(), err)
	}

	if err := writer.Close(); err != nil {
		d.discardPartial(acc.ArchiveName())

		return fmt.Errorf("failed to finalize %s, reason: %v", acc.ArchiveName(), err)
	}

	if expected >= 0 {
		stored, err := d.backend.GetFileSize(acc.ArchiveName())
		if err != nil {
			d.discardPartial(acc.ArchiveName())

			return fmt.Errorf("failed to get size of %s, reason: %v", acc.ArchiveName(), err)
		}
		if stored != expected {
			d.discardPartial(acc.ArchiveName())

			return fmt.Errorf("size of %s does not match the remote file (%d != %d)", acc.ArchiveName(), stored, expected)
		}
	}

	log.Debugf("downloaded %s", acc.ArchiveName())

	return nil
}

// extract decompresses the downloaded archive into the annotation file and
// removes the archive once the extraction succeeded.
func (d *Downloader) extract(acc accession.Accession) error {
	archive, err := d.backend.NewFileReader(acc.ArchiveName())
	if err != nil {
		return fmt.Errorf("failed to open %s, reason: %v", acc.ArchiveName(), err)
	}
	defer archive.Close()

	gz, err := gzip.NewReader(archive)
	if err != nil {
		d.discardPartial(acc.ArchiveName())

		return fmt.Errorf("failed to read gzip header of %s, reason: %v", acc.ArchiveName(), err)
	}

	writer, err := d.backend.NewFileWriter(acc.FileName())
	if err != nil {
		return fmt.Errorf("failed to create %s, reason: %v", acc.FileName(), err)
	}

	if _, err := io.Copy(writer, gz); err != nil { // #nosec G110 the repository is trusted
		_ = writer.Close()
		d.discardPartial(acc.FileName())
		d.discardPartial(acc.ArchiveName())

		return fmt.Errorf("failed to extract %s, reason: %v", acc.ArchiveName(), err)
	}

	if err := writer.Close(); err != nil {
		d.discardPartial(acc.FileName())

		return fmt.Errorf("failed to finalize %s, reason: %v", acc.FileName(), err)
	}

	if err := d.backend.RemoveFile(acc.ArchiveName()); err != nil {
		return fmt.Errorf("failed to remove %s, reason: %v", acc.ArchiveName(), err)
	}

	log.Debugf("extracted %s", acc.FileName())

	return nil
}

// discardPartial removes a half written file so a later run retries the
// accession instead of treating the leftover as already materialized.
func (d *Downloader) discardPartial(name string) {
	if err := d.backend.RemoveFile(name); err != nil {
		log.Errorf("failed to clean up partial file %s, reason: %v", name, err)
	}
}
