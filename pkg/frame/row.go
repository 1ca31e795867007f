package frame

// Row is the on-disk shape of a Record: one parquet row in a fragment.
// The raw_data blob body never lives in the parquet file; the row carries
// its sidecar locator and the sidecar holds the bytes, which keeps the
// blob column lazily decoded.
type Row struct {
	UUID        string `parquet:"name=uuid, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Title       string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	TextContent string `parquet:"name=text_content, type=BYTE_ARRAY, convertedtype=UTF8"`

	Vector       []float32 `parquet:"name=vector, type=MY_LIST, convertedtype=LIST, valuetype=FLOAT"`
	EmbeddingDim int32     `parquet:"name=embedding_dim, type=INT32"`

	RawDataOffset   int64  `parquet:"name=raw_data_offset, type=INT64"`
	RawDataLength   int64  `parquet:"name=raw_data_length, type=INT64"`
	RawDataChecksum int64  `parquet:"name=raw_data_checksum, type=INT64"`
	RawDataType     string `parquet:"name=raw_data_type, type=BYTE_ARRAY, convertedtype=UTF8"`

	RecordType string `parquet:"name=record_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`

	Collection       string `parquet:"name=collection, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollectionID     string `parquet:"name=collection_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CollectionIDType string `parquet:"name=collection_id_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Position         int32  `parquet:"name=position, type=INT32"`

	Author       string   `parquet:"name=author, type=BYTE_ARRAY, convertedtype=UTF8"`
	Contributors []string `parquet:"name=contributors, type=MY_LIST, convertedtype=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`

	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`

	Tags   []string `parquet:"name=tags, type=MY_LIST, convertedtype=LIST, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
	Status string   `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`

	SourceFile string `parquet:"name=source_file, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceType string `parquet:"name=source_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceURL  string `parquet:"name=source_url, type=BYTE_ARRAY, convertedtype=UTF8"`
	URIField   string `parquet:"name=uri, type=BYTE_ARRAY, convertedtype=UTF8"`
	LocalPath  string `parquet:"name=local_path, type=BYTE_ARRAY, convertedtype=UTF8"`
	CID        string `parquet:"name=cid, type=BYTE_ARRAY, convertedtype=UTF8"`

	Relationships  []RowRelationship `parquet:"name=relationships, type=MY_LIST, convertedtype=LIST"`
	CustomMetadata []RowMetaPair     `parquet:"name=custom_metadata, type=MY_LIST, convertedtype=LIST"`
}

// RowRelationship is the struct element of the relationships list column.
type RowRelationship struct {
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	URI         string `parquet:"name=uri, type=BYTE_ARRAY, convertedtype=UTF8"`
	Path        string `parquet:"name=path, type=BYTE_ARRAY, convertedtype=UTF8"`
	CID         string `parquet:"name=cid, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title       string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// RowMetaPair is the struct element of the custom_metadata list column.
type RowMetaPair struct {
	Key   string `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ToRow converts a record to its on-disk row. The blob locator fields are
// copied from RawDataRef, or mark no blob (offset -1) when it is nil; the
// fragment writer fills them when it spills RawData into the sidecar.
// Conversion is lossless.
func ToRow(rec *Record) Row {
	row := Row{
		UUID:             rec.UUID,
		Title:            rec.Title,
		TextContent:      rec.TextContent,
		Vector:           append([]float32(nil), rec.Vector...),
		EmbeddingDim:     rec.EmbeddingDim,
		RawDataOffset:    -1,
		RawDataType:      rec.RawDataType,
		RecordType:       string(rec.RecordType),
		Collection:       rec.Collection,
		CollectionID:     rec.CollectionID,
		CollectionIDType: rec.CollectionIDType,
		Position:         rec.Position,
		Author:           rec.Author,
		Contributors:     append([]string(nil), rec.Contributors...),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		Tags:             append([]string(nil), rec.Tags...),
		Status:           rec.Status,
		SourceFile:       rec.SourceFile,
		SourceType:       rec.SourceType,
		SourceURL:        rec.SourceURL,
		URIField:         rec.URI,
		LocalPath:        rec.LocalPath,
		CID:              rec.CID,
	}
	if rec.RawDataRef != nil {
		row.RawDataOffset = rec.RawDataRef.Offset
		row.RawDataLength = rec.RawDataRef.Length
		row.RawDataChecksum = int64(rec.RawDataRef.Checksum)
	}
	for _, rel := range rec.Relationships {
		row.Relationships = append(row.Relationships, RowRelationship{
			Type:        string(rel.Type),
			ID:          rel.ID,
			URI:         rel.URI,
			Path:        rel.Path,
			CID:         rel.CID,
			Title:       rel.Title,
			Description: rel.Description,
		})
	}
	for _, p := range rec.CustomMetadata {
		row.CustomMetadata = append(row.CustomMetadata, RowMetaPair{Key: p.Key, Value: p.Value})
	}
	return row
}

// FromRow converts an on-disk row back to a record. Blob presence is
// restored as a BlobRef into fragmentID's sidecar; bytes stay on disk.
func FromRow(row Row, fragmentID string) *Record {
	rec := &Record{
		UUID:             row.UUID,
		Title:            row.Title,
		TextContent:      row.TextContent,
		Vector:           append([]float32(nil), row.Vector...),
		EmbeddingDim:     row.EmbeddingDim,
		RawDataType:      row.RawDataType,
		RecordType:       RecordType(row.RecordType),
		Collection:       row.Collection,
		CollectionID:     row.CollectionID,
		CollectionIDType: row.CollectionIDType,
		Position:         row.Position,
		Author:           row.Author,
		Contributors:     append([]string(nil), row.Contributors...),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		Tags:             append([]string(nil), row.Tags...),
		Status:           row.Status,
		SourceFile:       row.SourceFile,
		SourceType:       row.SourceType,
		SourceURL:        row.SourceURL,
		URI:              row.URIField,
		LocalPath:        row.LocalPath,
		CID:              row.CID,
	}
	if row.RawDataOffset >= 0 {
		rec.RawDataRef = &BlobRef{
			Fragment: fragmentID,
			Offset:   row.RawDataOffset,
			Length:   row.RawDataLength,
			Checksum: uint32(row.RawDataChecksum),
		}
	}
	for _, rel := range row.Relationships {
		rec.Relationships = append(rec.Relationships, Relationship{
			Type:        RelationshipType(rel.Type),
			ID:          rel.ID,
			URI:         rel.URI,
			Path:        rel.Path,
			CID:         rel.CID,
			Title:       rel.Title,
			Description: rel.Description,
		})
	}
	for _, p := range row.CustomMetadata {
		rec.CustomMetadata = append(rec.CustomMetadata, MetadataPair{Key: p.Key, Value: p.Value})
	}
	return rec
}
