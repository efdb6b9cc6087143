package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGeneratorCreatesMetadata(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, "s3://bucket/perpkeeper")
	df := DataFile{
		Path:        "s3://bucket/perpkeeper/market=BTC-PERP/year=2026/month=08/day=21/hour=06/file.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition: map[string]any{
			"market": "BTC-PERP",
			"date":   "2026-08-21",
		},
		Timestamp: time.Unix(1, 0),
	}
	if err := gen.AddFile(df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	metaPath := filepath.Join(dir, "metadata", "metadata.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(raw, &tm); err != nil {
		t.Fatalf("metadata not parseable: %v", err)
	}
	if tm.CurrentSnapshotID != df.Timestamp.UnixNano() || len(tm.Snapshots) != 1 {
		t.Fatalf("metadata = %+v", tm)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata", tm.Snapshots[0].Manifest)); err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
}
