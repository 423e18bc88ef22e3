package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"modbus-gateway/internal/dispatch"
)

func TestSQLiteAppendMany(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rows := []dispatch.HistoryRow{
		{DeviceID: "d1", ParameterName: "p1", Value: 1.5, Quality: "good", Source: "modbus", Timestamp: time.Now()},
		{DeviceID: "d1", ParameterName: "p2", Value: true, Quality: "good", Source: "sync", Timestamp: time.Now()},
	}
	if err := s.AppendMany(context.Background(), rows); err != nil {
		t.Fatalf("append: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM history_rows WHERE device_id = ?", "d1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestSQLiteAppendManyEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history2.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AppendMany(context.Background(), nil); err != nil {
		t.Errorf("expected no error for empty batch, got %v", err)
	}
}
