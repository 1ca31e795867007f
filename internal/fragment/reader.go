package fragment

import (
	"context"
	"hash/crc32"
	"io"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/internal/objstore"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

// ReadRecords materializes every row of a fragment. Blob bodies stay in
// the sidecar; records point at them through RawDataRef.
func ReadRecords(ctx context.Context, obj objstore.Store, ref manifest.FragmentRef) ([]*frame.Record, error) {
	if err := cferrs.FromContext(ctx); err != nil {
		return nil, err
	}
	data, err := obj.Get(ctx, ref.Path)
	if err != nil {
		return nil, err
	}
	bf := buffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(bf, new(frame.Row), 2)
	if err != nil {
		return nil, cferrs.New(cferrs.CodeCorruptData, false, "fragment %s: %w", ref.Path, err)
	}
	defer func() {
		pr.ReadStop()
		_ = bf.Close()
	}()

	num := int(pr.GetNumRows())
	records := make([]*frame.Record, 0, num)
	const chunk = 512
	for read := 0; read < num; read += chunk {
		if err := cferrs.FromContext(ctx); err != nil {
			return nil, err
		}
		n := chunk
		if num-read < n {
			n = num - read
		}
		rows := make([]frame.Row, n)
		if err := pr.Read(&rows); err != nil {
			return nil, cferrs.New(cferrs.CodeCorruptData, false, "fragment %s: %w", ref.Path, err)
		}
		for i := range rows {
			records = append(records, frame.FromRow(rows[i], ref.ID))
		}
	}
	return records, nil
}

// BlobBytes fetches and verifies one blob body from a fragment sidecar.
func BlobBytes(ctx context.Context, obj objstore.Store, blobPath string, blobRef *frame.BlobRef) ([]byte, error) {
	rc, err := obj.GetRange(ctx, blobPath, blobRef.Offset, blobRef.Length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, true, err)
	}
	if int64(len(data)) != blobRef.Length {
		return nil, cferrs.New(cferrs.CodeCorruptData, false,
			"blob %s@%d: got %d bytes, want %d", blobPath, blobRef.Offset, len(data), blobRef.Length)
	}
	if crc32.ChecksumIEEE(data) != blobRef.Checksum {
		return nil, cferrs.New(cferrs.CodeCorruptData, false,
			"blob %s@%d: checksum mismatch", blobPath, blobRef.Offset)
	}
	return data, nil
}
