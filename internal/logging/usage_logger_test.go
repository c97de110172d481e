package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, maxSize int64, maxFiles, buffer int) (*UsageLogger, string) {
	t.Helper()
	tmpl := filepath.Join(t.TempDir(), "logs", "usage-%s.jsonl")
	l, err := NewUsageLogger(UsageLoggerConfig{
		FileTemplate:  tmpl,
		MaxSize:       maxSize,
		MaxFiles:      maxFiles,
		BufferSize:    buffer,
		FlushInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l, tmpl
}

func readRecords(t *testing.T, path string) []UsageRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer f.Close()

	var recs []UsageRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec UsageRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("invalid json line %q: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestUsageLoggerWritesJSONLines(t *testing.T) {
	l, _ := newTestLogger(t, 1<<20, 5, 10)

	for i := 0; i < 3; i++ {
		err := l.Enqueue(&UsageRecord{
			Timestamp:    time.Now(),
			Route:        "/v1/chat/completions",
			APIKeyID:     int64(i + 1),
			Model:        "maas-glm-4.6",
			StatusCode:   200,
			InputTokens:  10,
			OutputTokens: 5,
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := readRecords(t, l.CurrentFile())
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[2].APIKeyID != 3 || recs[0].InputTokens != 10 || recs[0].Route != "/v1/chat/completions" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestUsageLoggerRotation(t *testing.T) {
	l, tmpl := newTestLogger(t, 300, 2, 100)

	for i := 0; i < 20; i++ {
		_ = l.Enqueue(&UsageRecord{Route: "/v1/messages", Model: strings.Repeat("m", 40)})
		// distinct file stamps
		time.Sleep(2 * time.Millisecond)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	matches, err := filepath.Glob(strings.Replace(tmpl, "%s", "*", 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 || len(matches) > 2 {
		t.Errorf("got %d files, want 1..2: %v", len(matches), matches)
	}
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Size() > 300 {
			t.Errorf("%s is %d bytes, over the 300 byte limit", m, fi.Size())
		}
	}
}

func TestUsageLoggerEnqueueAfterShutdown(t *testing.T) {
	l, _ := newTestLogger(t, 1<<20, 1, 1)
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Enqueue(&UsageRecord{}); err == nil {
		t.Error("expected error after shutdown")
	}
	// second shutdown is a no-op
	if err := l.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestNewUsageLoggerRequiresTemplate(t *testing.T) {
	if _, err := NewUsageLogger(UsageLoggerConfig{}); err == nil {
		t.Error("expected error for empty template")
	}
}
