// Package manifest implements the dataset's version chain: immutable
// JSON manifest documents under _versions/, named tag pointers under
// _tags/, and the conditional-put commit protocol that serializes
// writers.
package manifest

import (
	"fmt"
	"time"
)

// FragmentRef points a manifest at one immutable parquet fragment and
// its blob sidecar.
type FragmentRef struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	BlobPath  string `json:"blob_path,omitempty"`
	Rows      int64  `json:"rows"`
	Bytes     int64  `json:"bytes"`
	BlobBytes int64  `json:"blob_bytes"`
	MinUUID   string `json:"min_uuid,omitempty"`
	MaxUUID   string `json:"max_uuid,omitempty"`
}

// Manifest is one immutable dataset snapshot. Every mutation writes a
// new manifest with Version+1; prior manifests stay readable until
// vacuumed.
type Manifest struct {
	Version   uint64        `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	EmbedDim  int           `json:"embed_dim"`
	RowCount  int64         `json:"row_count"`
	RowDelta  int64         `json:"row_delta"`
	Fragments []FragmentRef `json:"fragments"`
}

// HasBlobData reports whether any live fragment carries sidecar bytes.
// The safe predicate layer keys its range-comparison workaround on this.
func (m *Manifest) HasBlobData() bool {
	for _, f := range m.Fragments {
		if f.BlobBytes > 0 {
			return true
		}
	}
	return false
}

// Next derives the successor manifest with the given fragment set.
func (m *Manifest) Next(fragments []FragmentRef) *Manifest {
	var rows int64
	for _, f := range fragments {
		rows += f.Rows
	}
	return &Manifest{
		Version:   m.Version + 1,
		CreatedAt: time.Now().UTC(),
		EmbedDim:  m.EmbedDim,
		RowCount:  rows,
		RowDelta:  rows - m.RowCount,
		Fragments: fragments,
	}
}

// Tag is a durable named pointer to a version.
type Tag struct {
	Name      string    `json:"name"`
	Version   uint64    `json:"version"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionInfo summarizes a version for listings.
type VersionInfo struct {
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	RowCount  int64     `json:"row_count"`
	RowDelta  int64     `json:"row_delta"`
}

const (
	versionPrefix = "_versions/"
	tagPrefix     = "_tags/"
)

func versionKey(v uint64) string {
	return fmt.Sprintf("%s%020d.json", versionPrefix, v)
}

func tagKey(name string) string {
	return tagPrefix + name + ".json"
}
