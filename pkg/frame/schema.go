package frame

// Column names of the fixed dataset schema. New semantic fields live in
// custom_metadata or relationships so old readers can open new datasets.
const (
	ColUUID             = "uuid"
	ColTitle            = "title"
	ColTextContent      = "text_content"
	ColVector           = "vector"
	ColEmbeddingDim     = "embedding_dim"
	ColRawData          = "raw_data"
	ColRawDataType      = "raw_data_type"
	ColRecordType       = "record_type"
	ColCollection       = "collection"
	ColCollectionID     = "collection_id"
	ColCollectionIDType = "collection_id_type"
	ColPosition         = "position"
	ColAuthor           = "author"
	ColContributors     = "contributors"
	ColCreatedAt        = "created_at"
	ColUpdatedAt        = "updated_at"
	ColTags             = "tags"
	ColStatus           = "status"
	ColSourceFile       = "source_file"
	ColSourceType       = "source_type"
	ColSourceURL        = "source_url"
	ColURI              = "uri"
	ColLocalPath        = "local_path"
	ColCID              = "cid"
	ColRelationships    = "relationships"
	ColCustomMetadata   = "custom_metadata"
)

// Kind describes a column's shape for predicate binding and projection.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloatList
	KindStringList
	KindStructList
	KindPairList
	KindBlob
)

// Field is one column of the fixed schema.
type Field struct {
	Name string
	Kind Kind
	// Nested lists the addressable sub-fields of struct-valued list
	// columns (relationships.type, custom_metadata.value, ...).
	Nested []string
}

// Schema is the fixed table schema. The only variable is the vector
// dimension, declared at dataset creation and never changed.
type Schema struct {
	EmbedDim int
	fields   []Field
	byName   map[string]Field
}

// NewSchema returns the fixed schema for the given vector dimension.
func NewSchema(embedDim int) *Schema {
	fields := []Field{
		{Name: ColUUID, Kind: KindString},
		{Name: ColTitle, Kind: KindString},
		{Name: ColTextContent, Kind: KindString},
		{Name: ColVector, Kind: KindFloatList},
		{Name: ColEmbeddingDim, Kind: KindInt},
		{Name: ColRawData, Kind: KindBlob},
		{Name: ColRawDataType, Kind: KindString},
		{Name: ColRecordType, Kind: KindString},
		{Name: ColCollection, Kind: KindString},
		{Name: ColCollectionID, Kind: KindString},
		{Name: ColCollectionIDType, Kind: KindString},
		{Name: ColPosition, Kind: KindInt},
		{Name: ColAuthor, Kind: KindString},
		{Name: ColContributors, Kind: KindStringList},
		{Name: ColCreatedAt, Kind: KindString},
		{Name: ColUpdatedAt, Kind: KindString},
		{Name: ColTags, Kind: KindStringList},
		{Name: ColStatus, Kind: KindString},
		{Name: ColSourceFile, Kind: KindString},
		{Name: ColSourceType, Kind: KindString},
		{Name: ColSourceURL, Kind: KindString},
		{Name: ColURI, Kind: KindString},
		{Name: ColLocalPath, Kind: KindString},
		{Name: ColCID, Kind: KindString},
		{Name: ColRelationships, Kind: KindStructList,
			Nested: []string{"type", "id", "uri", "path", "cid", "title", "description"}},
		{Name: ColCustomMetadata, Kind: KindPairList,
			Nested: []string{"key", "value"}},
	}
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return &Schema{EmbedDim: embedDim, fields: fields, byName: byName}
}

// Fields returns the schema columns in declaration order.
func (s *Schema) Fields() []Field { return s.fields }

// Lookup resolves a column by name.
func (s *Schema) Lookup(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// HasNested reports whether field is addressable under column, as in
// relationships.type or custom_metadata.value.
func (s *Schema) HasNested(column, field string) bool {
	f, ok := s.byName[column]
	if !ok {
		return false
	}
	for _, n := range f.Nested {
		if n == field {
			return true
		}
	}
	return false
}

// BlobColumns returns the blob-encoded column names.
func (s *Schema) BlobColumns() []string { return []string{ColRawData} }
