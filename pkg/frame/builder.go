package frame

import "github.com/google/uuid"

// Builder assembles a Record from loosely typed inputs. Required fields
// are explicit; Build fills identity and timestamps and runs validation
// exactly once.
type Builder struct {
	rec      Record
	embedDim int
}

// NewBuilder starts a builder for a dataset with the given vector
// dimension.
func NewBuilder(title string, embedDim int) *Builder {
	return &Builder{
		rec:      Record{Title: title, RecordType: TypeDocument},
		embedDim: embedDim,
	}
}

func (b *Builder) UUID(id string) *Builder               { b.rec.UUID = id; return b }
func (b *Builder) Text(content string) *Builder          { b.rec.TextContent = content; return b }
func (b *Builder) Type(t RecordType) *Builder            { b.rec.RecordType = t; return b }
func (b *Builder) Author(a string) *Builder              { b.rec.Author = a; return b }
func (b *Builder) Contributors(cs ...string) *Builder    { b.rec.Contributors = cs; return b }
func (b *Builder) Tags(tags ...string) *Builder          { b.rec.Tags = tags; return b }
func (b *Builder) Status(s string) *Builder              { b.rec.Status = s; return b }
func (b *Builder) Source(file, typ, url string) *Builder {
	b.rec.SourceFile, b.rec.SourceType, b.rec.SourceURL = file, typ, url
	return b
}
func (b *Builder) URI(u string) *Builder       { b.rec.URI = u; return b }
func (b *Builder) LocalPath(p string) *Builder { b.rec.LocalPath = p; return b }

// Vector sets the embedding; the declared dimension is filled from the
// dataset's.
func (b *Builder) Vector(v []float32) *Builder {
	b.rec.Vector = v
	b.rec.EmbeddingDim = int32(b.embedDim)
	return b
}

// RawData attaches blob content with its MIME type.
func (b *Builder) RawData(data []byte, mimeType string) *Builder {
	b.rec.RawData = data
	b.rec.RawDataType = mimeType
	return b
}

// Collection places the record inside a collection.
func (b *Builder) Collection(name, headerUUID string, position int32) *Builder {
	b.rec.Collection = name
	b.rec.CollectionID = headerUUID
	if headerUUID != "" {
		b.rec.CollectionIDType = "uuid"
	}
	b.rec.Position = position
	return b
}

func (b *Builder) Relationship(rel Relationship) *Builder {
	b.rec.AddRelationship(rel)
	return b
}

func (b *Builder) Metadata(key, value string) *Builder {
	b.rec.SetMetadata(key, value)
	return b
}

// Build finalizes the record: a missing uuid is generated, timestamps are
// stamped, and every schema invariant is checked.
func (b *Builder) Build() (*Record, error) {
	rec := b.rec.Clone()
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	now := Now()
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = now
	}
	if err := Validate(rec, b.embedDim); err != nil {
		return nil, err
	}
	return rec, nil
}
