package dataset

import (
	"context"

	"go.uber.org/zap"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// Embedder fills vectors for a batch of texts. It is a pure callback;
// its failures propagate as IngestError.
type Embedder func(ctx context.Context, texts []string) ([][]float32, error)

// Chunker splits one record into many before validation.
type Chunker func(rec *frame.Record) ([]*frame.Record, error)

// IngestOptions shapes a batch ingest.
type IngestOptions struct {
	// BatchSize bounds rows per committed version. Default 256. Callers
	// streaming large inputs get backpressure by awaiting Ingest itself;
	// each batch is one append/upsert call.
	BatchSize int
	Embedder  Embedder
	Chunker   Chunker
}

// IngestResult summarizes a completed ingest.
type IngestResult struct {
	Records  int
	Batches  int
	Version  uint64
	Embedded int
}

// Ingest validates and writes records in batches. The chunker, when
// set, runs first; the embedder fills vectors for records that have
// text but no vector. Writes are idempotent upserts: pre-set uuids
// re-ingested with identical content are elided at the row level. A
// failure inside a batch surfaces IngestError carrying the index of the
// first offending record, and that batch advances no version.
func (ds *Dataset) Ingest(ctx context.Context, records []*frame.Record, opts IngestOptions) (IngestResult, error) {
	var result IngestResult
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}

	expanded := make([]*frame.Record, 0, len(records))
	for i, rec := range records {
		if opts.Chunker == nil {
			expanded = append(expanded, rec)
			continue
		}
		chunks, err := opts.Chunker(rec)
		if err != nil {
			return result, &cferrs.IngestError{Index: i, Cause: err}
		}
		expanded = append(expanded, chunks...)
	}

	for start := 0; start < len(expanded); start += opts.BatchSize {
		if err := cferrs.FromContext(ctx); err != nil {
			return result, err
		}
		end := start + opts.BatchSize
		if end > len(expanded) {
			end = len(expanded)
		}
		batch := expanded[start:end]

		if opts.Embedder != nil {
			n, err := ds.embedMissing(ctx, batch, opts.Embedder, start)
			if err != nil {
				return result, err
			}
			result.Embedded += n
		}
		for i, rec := range batch {
			if rec.UUID == "" {
				built, err := frame.NewBuilder(rec.Title, ds.schema.EmbedDim).Build()
				if err != nil {
					return result, &cferrs.IngestError{Index: start + i, Cause: err}
				}
				rec.UUID = built.UUID
			}
			if err := frame.Validate(rec, ds.schema.EmbedDim); err != nil {
				return result, &cferrs.IngestError{Index: start + i, Cause: err}
			}
		}

		version, err := ds.Upsert(ctx, batch)
		if err != nil {
			return result, &cferrs.IngestError{Index: start, Cause: err}
		}
		result.Records += len(batch)
		result.Batches++
		result.Version = version
	}
	ds.log.Info("ingest finished",
		zap.Int("records", result.Records),
		zap.Int("batches", result.Batches),
		zap.Int("embedded", result.Embedded),
		zap.Uint64("version", result.Version))
	return result, nil
}

// embedMissing runs the embedder over batch records that carry text but
// no vector.
func (ds *Dataset) embedMissing(ctx context.Context, batch []*frame.Record, embed Embedder, base int) (int, error) {
	var texts []string
	var targets []int
	for i, rec := range batch {
		if len(rec.Vector) == 0 && rec.TextContent != "" {
			texts = append(texts, rec.TextContent)
			targets = append(targets, i)
		}
	}
	if len(texts) == 0 {
		return 0, nil
	}
	vectors, err := embed(ctx, texts)
	if err != nil {
		return 0, &cferrs.IngestError{Index: base + targets[0], Cause: err}
	}
	if len(vectors) != len(texts) {
		return 0, &cferrs.IngestError{Index: base + targets[0], Cause: cferrs.New(
			cferrs.CodeValidation, false,
			"embedder returned %d vectors for %d texts", len(vectors), len(texts))}
	}
	for j, i := range targets {
		batch[i].Vector = vectors[j]
		batch[i].EmbeddingDim = int32(ds.schema.EmbedDim)
	}
	return len(texts), nil
}
