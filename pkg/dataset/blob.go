package dataset

import (
	"context"
	"hash/crc32"
	"io"
	"strings"

	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// BlobResult pairs one requested uuid with its lazy stream or a
// positional error (E_NOT_FOUND for missing uuids and rows without blob
// content).
type BlobResult struct {
	UUID   string
	Stream *BlobStream
	Err    error
}

// BlobStream reads one blob body lazily from its fragment sidecar. The
// underlying reader opens on the first Read; Close releases it and the
// stream's slot against the open-stream cap. The body's checksum is
// verified as the bytes flow; a mismatch surfaces E_CORRUPT_DATA at the
// end of the stream, so reading the same blob twice yields identical
// bytes or an error, never silent divergence.
type BlobStream struct {
	ds       *Dataset
	ctx      context.Context
	blobPath string
	ref      frame.BlobRef

	rc       io.ReadCloser
	crc      uint32
	consumed int64
	released bool
}

func (b *BlobStream) Read(p []byte) (int, error) {
	if err := cferrs.FromContext(b.ctx); err != nil {
		return 0, err
	}
	if b.rc == nil {
		rc, err := b.ds.obj.GetRange(b.ctx, b.blobPath, b.ref.Offset, b.ref.Length)
		if err != nil {
			return 0, err
		}
		b.rc = rc
	}
	n, err := b.rc.Read(p)
	b.crc = crc32.Update(b.crc, crc32.IEEETable, p[:n])
	b.consumed += int64(n)
	if err == io.EOF || b.consumed >= b.ref.Length {
		if b.consumed != b.ref.Length || b.crc != b.ref.Checksum {
			return n, cferrs.New(cferrs.CodeCorruptData, false,
				"blob %s@%d failed verification", b.blobPath, b.ref.Offset)
		}
		if err == nil {
			err = io.EOF
		}
	}
	return n, err
}

// Close releases the reader and the stream slot. Safe to call twice.
func (b *BlobStream) Close() error {
	var err error
	if b.rc != nil {
		err = b.rc.Close()
		b.rc = nil
	}
	if !b.released {
		b.released = true
		b.ds.blobSem.Release(1)
	}
	return err
}

// TakeBlobs opens lazy streams over the blob column for each uuid, in
// input order. Only raw_data is blob-encoded. Each open stream counts
// against MaxOpenBlobStreams; exceeding the cap fails the call with
// E_RESOURCE_EXHAUSTED rather than blocking.
func (ds *Dataset) TakeBlobs(ctx context.Context, uuids []string, column string) ([]BlobResult, error) {
	if column != frame.ColRawData {
		return nil, cferrs.New(cferrs.CodeUnknownColumn, false, "column %q is not blob-encoded", column)
	}
	if len(uuids) == 0 {
		return nil, nil
	}

	head := ds.snapshot()
	blobPaths := map[string]string{}
	for _, ref := range head.Fragments {
		blobPaths[ref.ID] = ref.BlobPath
	}

	var quoted []string
	for _, u := range uuids {
		quoted = append(quoted, "'"+u+"'")
	}
	recs, err := ds.ScanAll(ctx, "uuid IN ("+strings.Join(quoted, ", ")+")")
	if err != nil {
		return nil, err
	}
	byUUID := map[string]*frame.Record{}
	for _, rec := range recs {
		byUUID[rec.UUID] = rec
	}

	results := make([]BlobResult, len(uuids))
	for i, uuid := range uuids {
		results[i].UUID = uuid
		rec, ok := byUUID[uuid]
		if !ok {
			results[i].Err = cferrs.New(cferrs.CodeNotFound, false, "record %s does not exist", uuid)
			continue
		}
		if rec.RawDataRef == nil {
			results[i].Err = cferrs.New(cferrs.CodeNotFound, false, "record %s has no blob content", uuid)
			continue
		}
		if !ds.blobSem.TryAcquire(1) {
			for j := 0; j < i; j++ {
				if results[j].Stream != nil {
					_ = results[j].Stream.Close()
				}
			}
			return nil, cferrs.New(cferrs.CodeResourceExhausted, true,
				"open blob stream cap (%d) exceeded", ds.opts.MaxOpenBlobStreams)
		}
		results[i].Stream = &BlobStream{
			ds:       ds,
			ctx:      ctx,
			blobPath: blobPaths[rec.RawDataRef.Fragment],
			ref:      *rec.RawDataRef,
		}
	}
	return results, nil
}

// ReadBlob fetches one blob fully, verifying its checksum.
func (ds *Dataset) ReadBlob(ctx context.Context, uuid string) ([]byte, error) {
	results, err := ds.TakeBlobs(ctx, []string{uuid}, frame.ColRawData)
	if err != nil {
		return nil, err
	}
	res := results[0]
	if res.Err != nil {
		return nil, res.Err
	}
	defer res.Stream.Close()
	data, err := io.ReadAll(res.Stream)
	if err != nil {
		return nil, err
	}
	return data, nil
}
