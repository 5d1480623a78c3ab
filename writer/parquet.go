package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"quoteflow/models"
)

// SnapshotRecord is one (instrument, field) cell of an exported snapshot.
type SnapshotRecord struct {
	BatchID       string  `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CacheID       string  `parquet:"name=cache_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TakenAt       int64   `parquet:"name=taken_at, type=INT64"`
	Completion    string  `parquet:"name=completion, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instrument    string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	StatusMessage string  `parquet:"name=status_message, type=BYTE_ARRAY, convertedtype=UTF8"`
	Field         string  `parquet:"name=field, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind          string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value         string  `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Number        float64 `parquet:"name=number, type=DOUBLE"`
}

// memoryFileWriter lets the parquet writer encode straight into a buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the write position; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// snapshotRecords flattens snap into one record per instrument and column.
// Cells an instrument does not carry are exported with kind "null".
func snapshotRecords(snap models.Snapshot, batchID, cacheID string) []SnapshotRecord {
	records := make([]SnapshotRecord, 0, len(snap.Rows)*len(snap.Columns))
	table := snap.Table()
	for i, row := range snap.Rows {
		for j, col := range snap.Columns {
			v := table[i][j]
			rec := SnapshotRecord{
				BatchID:       batchID,
				CacheID:       cacheID,
				TakenAt:       snap.TakenAt.UnixMilli(),
				Completion:    snap.Completion.String(),
				Instrument:    row.Instrument,
				Status:        row.Status.String(),
				StatusMessage: row.StatusMessage,
				Field:         col,
				Kind:          v.Kind().String(),
			}
			if !v.IsNull() {
				rec.Value = v.String()
			}
			if f, ok := v.Float(); ok {
				rec.Number = f
			}
			records = append(records, rec)
		}
	}
	return records
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func encodeParquet(records []SnapshotRecord, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(SnapshotRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
