// Package audit implements the audit export (spec §4.9): deterministic row
// ordering, a chained per-row hash, and a canonical export envelope that
// carries its own hash (the envelope is not signed). Grounded on the teacher's integrations/exports/-style batch
// export jobs; the Parquet sink is new wiring added to exercise
// github.com/xitongsys/parquet-go, the pack's only columnar-export
// library, from JSON-export-only reach.
package audit

import (
	"sort"
	"time"

	"github.com/nooterra/settld/internal/canonical"
	"github.com/nooterra/settld/internal/signing"
)

// Row is one exported audit row: a canonical-encoded artifact plus its
// chain position.
type Row struct {
	TenantID     string
	StreamID     string
	RowIndex     int
	Kind         string
	Payload      map[string]any
	RowChainHash string
}

// CanonicalValue implements canonical.Canonicalizer, excluding rowChainHash
// from its own hash input the same way every other chained artifact in
// this system excludes its own integrity field.
func (r Row) CanonicalValue() any {
	return canonical.OrderedObject{
		{Key: "tenantId", Value: r.TenantID},
		{Key: "streamId", Value: r.StreamID},
		{Key: "rowIndex", Value: float64(r.RowIndex)},
		{Key: "kind", Value: r.Kind},
		{Key: "payload", Value: payloadValue(r.Payload)},
	}
}

func payloadValue(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SourceRow is an unordered row as read from the underlying store, prior to
// deterministic ordering and chaining. ChainHash is the chainlog event's own
// chainHash (the source-of-truth ordering key within a stream), not this
// export's RowChainHash, which doesn't exist until BuildExport runs.
type SourceRow struct {
	TenantID  string
	StreamID  string
	Kind      string
	ChainHash string
	Payload   map[string]any
}

// Envelope is the export metadata wrapper. It carries exportHash; it
// carries no signature.
type Envelope struct {
	ExportID         string
	TenantID         string
	GeneratedAt      time.Time
	RowCount         int
	RowChainHeadHash string
	ExportHash       string
}

// CanonicalValue implements canonical.Canonicalizer.
func (e Envelope) CanonicalValue() any {
	return canonical.OrderedObject{
		{Key: "exportId", Value: e.ExportID},
		{Key: "tenantId", Value: e.TenantID},
		{Key: "generatedAt", Value: e.GeneratedAt.UTC().Format(time.RFC3339Nano)},
		{Key: "rowCount", Value: float64(e.RowCount)},
		{Key: "rowChainHeadHash", Value: e.RowChainHeadHash},
		{Key: "exportHash", Value: nil},
	}
}

// BuildExport orders rows deterministically (lexicographic on
// (tenantId, streamId, chainHash), stable thereafter), chains their hashes,
// and computes the export envelope's hash. Two calls over the same input
// produce byte-identical rows and envelope.
func BuildExport(exportID, tenantID string, generatedAt time.Time, source []SourceRow) ([]Row, Envelope, error) {
	ordered := make([]SourceRow, len(source))
	copy(ordered, source)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		return a.ChainHash < b.ChainHash
	})

	rows := make([]Row, 0, len(ordered))
	prevHash := signing.ZeroHash
	for i, s := range ordered {
		row := Row{TenantID: s.TenantID, StreamID: s.StreamID, RowIndex: i, Kind: s.Kind, Payload: s.Payload}
		rowBytes, err := canonical.Encode(row.CanonicalValue())
		if err != nil {
			return nil, Envelope{}, err
		}
		input := append([]byte(prevHash), rowBytes...)
		row.RowChainHash = signing.SHA256Hex(input)
		prevHash = row.RowChainHash
		rows = append(rows, row)
	}

	env := Envelope{
		ExportID: exportID, TenantID: tenantID, GeneratedAt: generatedAt,
		RowCount: len(rows), RowChainHeadHash: prevHash,
	}
	hash, err := signing.HashCanonical(env)
	if err != nil {
		return nil, Envelope{}, err
	}
	env.ExportHash = hash
	return rows, env, nil
}
