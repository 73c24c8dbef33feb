package audit

import (
	"fmt"

	"github.com/nooterra/settld/internal/canonical"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// parquetRow is the flat, Parquet-tag-annotated projection of an audit Row.
// The nested payload is re-encoded to its canonical JSON string rather than
// modeled as a Parquet group, since payload shape varies per event kind and
// Parquet's schema is fixed per file.
type parquetRow struct {
	TenantID     string `parquet:"name=tenant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	StreamID     string `parquet:"name=stream_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RowIndex     int32  `parquet:"name=row_index, type=INT32"`
	Kind         string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayloadJSON  string `parquet:"name=payload_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	RowChainHash string `parquet:"name=row_chain_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet writes rows to path as a columnar Parquet file, one of the
// two export sinks this package supports alongside the canonical JSON
// export envelope.
func WriteParquet(path string, rows []Row) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("audit: open parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 4)
	if err != nil {
		return fmt.Errorf("audit: new parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		payloadJSON, err := marshalPayload(r.Payload)
		if err != nil {
			return err
		}
		pr := parquetRow{
			TenantID: r.TenantID, StreamID: r.StreamID, RowIndex: int32(r.RowIndex),
			Kind: r.Kind, PayloadJSON: payloadJSON, RowChainHash: r.RowChainHash,
		}
		if err := pw.Write(pr); err != nil {
			return fmt.Errorf("audit: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("audit: finalize parquet file: %w", err)
	}
	return nil
}

func marshalPayload(payload map[string]any) (string, error) {
	b, err := canonical.Encode(payloadValue(payload))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
