// Package accession handles RefSeq assembly accessions and the remote and
// local paths derived from them.
package accession

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// gbffSuffix is the name RefSeq gives the flat-text annotation file for an
// assembly.
const gbffSuffix = "_genomic.gbff"

var gcfPattern = regexp.MustCompile(`GCF_(\d+)\.`)

// Accession is a RefSeq assembly accession, e.g. GCF_000005845.2.
type Accession struct {
	// ID is the accession string as it appeared in the input list.
	ID string

	digits string
}

// Parse extracts an assembly accession from s. The numeric part between the
// GCF_ prefix and the version delimiter is kept for deriving the remote
// directory path. An error is returned when s does not contain a GCF
// accession, this is a per entry condition and callers are expected to skip
// the entry and continue.
func Parse(s string) (Accession, error) {
	m := gcfPattern.FindStringSubmatch(s)
	if m == nil {
		return Accession{}, fmt.Errorf("invalid GCF accession format: %s", s)
	}

	return Accession{ID: s, digits: m[1]}, nil
}

// TripletPath returns the accession digits chunked into consecutive groups
// of three joined with slashes, matching the directory sharding scheme of
// the RefSeq FTP area. The final group may be shorter than three characters.
func (a Accession) TripletPath() string {
	groups := []string{}
	for i := 0; i < len(a.digits); i += 3 {
		end := i + 3
		if end > len(a.digits) {
			end = len(a.digits)
		}
		groups = append(groups, a.digits[i:end])
	}

	return strings.Join(groups, "/")
}

// FileName returns the name of the extracted annotation file.
func (a Accession) FileName() string {
	return a.ID + gbffSuffix
}

// ArchiveName returns the name of the gzip compressed annotation file as
// distributed by RefSeq.
func (a Accession) ArchiveName() string {
	return a.FileName() + ".gz"
}

// RemotePath returns the path of the compressed annotation file below the
// repository base URL.
func (a Accession) RemotePath() string {
	return path.Join("genomes/all/GCF", a.TripletPath(), a.ID, a.ArchiveName())
}
