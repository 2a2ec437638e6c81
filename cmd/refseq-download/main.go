// The refseq-download command reads a list of RefSeq assembly accessions
// from a text file and fetches the corresponding genomic annotation files
// from the public repository, extracting them into the configured archive.
package main

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nbisweden/refseq-fetch/internal/config"
	"github.com/nbisweden/refseq-fetch/internal/download"
	"github.com/nbisweden/refseq-fetch/internal/remote"
	"github.com/nbisweden/refseq-fetch/internal/storage"
)

var (
	err     error
	conf    *config.Config
	backend storage.Backend
	client  *remote.Client
)

// summary aggregates the per accession outcomes of one batch run.
type summary struct {
	counts map[download.Result]int
}

func (s summary) total() int {
	n := 0
	for _, c := range s.counts {
		n += c
	}

	return n
}

func main() {
	pflag.String("input", "", "path to the file listing one accession per line")
	pflag.String("outdir", "", "directory where downloaded genomes are stored")
	pflag.Parse()
	_ = viper.BindPFlag("input.file", pflag.Lookup("input"))
	_ = viper.BindPFlag("archive.location", pflag.Lookup("outdir"))

	conf, err = config.NewConfig("refseq-download")
	if err != nil {
		log.Fatalf("configuration loading failed, reason: %v", err)
	}
	backend, err = storage.NewBackend(conf.Archive)
	if err != nil {
		log.Fatalf("failed to setup the archive backend, reason: %v", err)
	}
	client, err = remote.New(conf.Remote)
	if err != nil {
		log.Fatalf("failed to setup the repository client, reason: %v", err)
	}

	accessions, err := readAccessionList(conf.InputFile)
	if err != nil {
		log.Fatalf("failed to read the accession list, reason: %v", err)
	}

	runID := uuid.New().String()
	log.Infof("Starting download run (run-id: %s, accessions: %d)", runID, len(accessions))

	res := run(context.Background(), download.New(client, backend), accessions)

	log.Infof("Download run complete (run-id: %s): %d downloaded, %d already present, %d not found, %d invalid, %d failed",
		runID,
		res.counts[download.Downloaded],
		res.counts[download.SkippedExists],
		res.counts[download.SkippedMissing],
		res.counts[download.SkippedInvalid],
		res.counts[download.Failed],
	)
}

// run processes the accessions strictly in order. Failures are isolated to
// their accession so one broken transfer never aborts the whole batch.
func run(ctx context.Context, d *download.Downloader, accessions []string) summary {
	s := summary{counts: map[download.Result]int{}}
	for _, id := range accessions {
		res, err := d.Fetch(ctx, id)
		if err != nil {
			log.Errorf("%s: %s, reason: (%v)", id, res, err)
			s.counts[res]++

			continue
		}
		log.Infof("%s: %s", id, res)
		s.counts[res]++
	}

	return s
}

// readAccessionList reads one accession per line, trimming whitespace and
// dropping blank lines while preserving the input order.
func readAccessionList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var accessions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		accessions = append(accessions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return accessions, nil
}
