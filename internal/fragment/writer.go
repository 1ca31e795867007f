// Package fragment reads and writes the immutable file-level units of a
// dataset: one snappy-compressed parquet file per fragment, plus a blob
// sidecar holding raw_data bytes so scans never touch them.
package fragment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/contextframe/contextframe/internal/manifest"
	"github.com/contextframe/contextframe/internal/objstore"
	"github.com/contextframe/contextframe/pkg/cferrs"
	"github.com/contextframe/contextframe/pkg/frame"
)

const dataPrefix = "data/"

// Write persists records as one new fragment under data/ and returns its
// manifest reference. Records carrying inline RawData are spilled into
// the sidecar; their cid is filled with the hex sha256 of the bytes when
// empty, which keeps blob content addressable.
func Write(ctx context.Context, obj objstore.Store, seq int, records []*frame.Record) (manifest.FragmentRef, error) {
	var ref manifest.FragmentRef
	if err := cferrs.FromContext(ctx); err != nil {
		return ref, err
	}

	id := uuid.NewString()
	ref.ID = id
	ref.Path = fmt.Sprintf("%spart-%06d-%s.parquet", dataPrefix, seq, id)

	var blobBuf bytes.Buffer
	rows := make([]frame.Row, 0, len(records))
	minUUID, maxUUID := "", ""
	for _, rec := range records {
		if len(rec.RawData) > 0 && rec.CID == "" {
			sum := sha256.Sum256(rec.RawData)
			rec.CID = hex.EncodeToString(sum[:])
		}
		row := frame.ToRow(rec)
		if len(rec.RawData) > 0 {
			row.RawDataOffset = int64(blobBuf.Len())
			row.RawDataLength = int64(len(rec.RawData))
			row.RawDataChecksum = int64(crc32.ChecksumIEEE(rec.RawData))
			blobBuf.Write(rec.RawData)
		}
		if minUUID == "" || rec.UUID < minUUID {
			minUUID = rec.UUID
		}
		if rec.UUID > maxUUID {
			maxUUID = rec.UUID
		}
		rows = append(rows, row)
	}

	data, err := encodeParquet(rows)
	if err != nil {
		return ref, err
	}
	if err := obj.Put(ctx, ref.Path, data); err != nil {
		return ref, err
	}
	if blobBuf.Len() > 0 {
		ref.BlobPath = fmt.Sprintf("%spart-%06d-%s.blob", dataPrefix, seq, id)
		if err := obj.Put(ctx, ref.BlobPath, blobBuf.Bytes()); err != nil {
			return ref, err
		}
	}

	ref.Rows = int64(len(rows))
	ref.Bytes = int64(len(data))
	ref.BlobBytes = int64(blobBuf.Len())
	ref.MinUUID = minUUID
	ref.MaxUUID = maxUUID
	return ref, nil
}

func encodeParquet(rows []frame.Row) ([]byte, error) {
	var buf bytes.Buffer
	fw := writerfile.NewWriterFile(&buf)
	pw, err := writer.NewParquetWriter(fw, new(frame.Row), 2)
	if err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	return buf.Bytes(), nil
}
