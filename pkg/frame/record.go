// Package frame defines the record model stored by a ContextFrame dataset:
// the fixed columnar schema, validation of its invariants, and the
// conversion between records and on-disk rows.
package frame

import "time"

// RecordType classifies a row within the dataset.
type RecordType string

const (
	TypeDocument         RecordType = "document"
	TypeCollectionHeader RecordType = "collection_header"
	TypeDatasetHeader    RecordType = "dataset_header"
	TypeFrameset         RecordType = "frameset"
)

// RelationshipType labels a directed edge between records.
type RelationshipType string

const (
	RelParent    RelationshipType = "parent"
	RelChild     RelationshipType = "child"
	RelRelated   RelationshipType = "related"
	RelReference RelationshipType = "reference"
	RelMemberOf  RelationshipType = "member_of"
	RelContains  RelationshipType = "contains"
)

// ValidRelationshipTypes enumerates the accepted relationship labels.
var ValidRelationshipTypes = []RelationshipType{
	RelParent, RelChild, RelRelated, RelReference, RelMemberOf, RelContains,
}

// Relationship is a directed, row-local edge. At least one locator field
// (ID, URI, Path, CID) must be set. The engine never materializes the
// reverse edge; collection and frameset operations write both sides
// explicitly.
type Relationship struct {
	Type        RelationshipType
	ID          string
	URI         string
	Path        string
	CID         string
	Title       string
	Description string
}

// HasLocator reports whether any locator field is set.
func (r Relationship) HasLocator() bool {
	return r.ID != "" || r.URI != "" || r.Path != "" || r.CID != ""
}

// MetadataPair is one custom metadata entry. Values are strings by design;
// numeric collection metadata is stored stringified under the reserved
// collection_ and shared_ key prefixes.
type MetadataPair struct {
	Key   string
	Value string
}

// BlobRef locates a lazily materialized blob inside a fragment sidecar.
// Scans carry the reference; bytes are only fetched through TakeBlobs.
type BlobRef struct {
	Fragment string
	Offset   int64
	Length   int64
	Checksum uint32
}

// Record is the engine's unit of storage: one logical document plus
// metadata, one row in the table.
type Record struct {
	UUID        string
	Title       string
	TextContent string

	Vector       []float32
	EmbeddingDim int32

	// RawData is the opaque blob body. On records returned by scans it is
	// nil and RawDataRef points into the fragment sidecar instead.
	RawData     []byte
	RawDataType string
	RawDataRef  *BlobRef

	RecordType RecordType

	Collection       string
	CollectionID     string
	CollectionIDType string
	Position         int32

	Author       string
	Contributors []string

	CreatedAt string
	UpdatedAt string

	Tags   []string
	Status string

	SourceFile string
	SourceType string
	SourceURL  string
	URI        string
	LocalPath  string
	CID        string

	Relationships  []Relationship
	CustomMetadata []MetadataPair
}

// HasBlob reports whether the record carries blob content, inline or by
// reference.
func (r *Record) HasBlob() bool {
	return len(r.RawData) > 0 || r.RawDataRef != nil
}

// Metadata returns the value for key in CustomMetadata, last write wins.
func (r *Record) Metadata(key string) (string, bool) {
	val, ok := "", false
	for _, p := range r.CustomMetadata {
		if p.Key == key {
			val, ok = p.Value, true
		}
	}
	return val, ok
}

// SetMetadata replaces or appends the pair for key.
func (r *Record) SetMetadata(key, value string) {
	for i := range r.CustomMetadata {
		if r.CustomMetadata[i].Key == key {
			r.CustomMetadata[i].Value = value
			return
		}
	}
	r.CustomMetadata = append(r.CustomMetadata, MetadataPair{Key: key, Value: value})
}

// Relations returns the relationships matching the given type.
func (r *Record) Relations(t RelationshipType) []Relationship {
	var out []Relationship
	for _, rel := range r.Relationships {
		if rel.Type == t {
			out = append(out, rel)
		}
	}
	return out
}

// AddRelationship appends a directed edge, skipping exact duplicates.
func (r *Record) AddRelationship(rel Relationship) {
	for _, existing := range r.Relationships {
		if existing == rel {
			return
		}
	}
	r.Relationships = append(r.Relationships, rel)
}

// RemoveRelationship drops edges of the given type pointing at id.
func (r *Record) RemoveRelationship(t RelationshipType, id string) {
	kept := r.Relationships[:0]
	for _, rel := range r.Relationships {
		if rel.Type == t && rel.ID == id {
			continue
		}
		kept = append(kept, rel)
	}
	r.Relationships = kept
}

// Touch refreshes UpdatedAt to the current UTC instant.
func (r *Record) Touch() {
	r.UpdatedAt = Now()
}

// Now returns the engine's canonical timestamp format: RFC 3339 UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Vector = append([]float32(nil), r.Vector...)
	if r.RawData != nil {
		out.RawData = append([]byte(nil), r.RawData...)
	}
	if r.RawDataRef != nil {
		ref := *r.RawDataRef
		out.RawDataRef = &ref
	}
	out.Contributors = append([]string(nil), r.Contributors...)
	out.Tags = append([]string(nil), r.Tags...)
	out.Relationships = append([]Relationship(nil), r.Relationships...)
	out.CustomMetadata = append([]MetadataPair(nil), r.CustomMetadata...)
	return &out
}
