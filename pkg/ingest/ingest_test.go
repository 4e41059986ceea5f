package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func testMapping() Mapping {
	return Mapping{
		Vendor:           "acme",
		TimestampFields:  []string{"ts"},
		BytesSentFields:  []string{"bytes_up"},
		BytesRecvFields:  []string{"bytes_down"},
		URLFields:        []string{"url"},
		UserIDFields:     []string{"user"},
		ActionFields:     []string{"action"},
		HTTPMethodFields: []string{"method"},
		StatusCodeFields: []string{"status"},
		DefaultAction:    "other",
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func drain(t *testing.T, path, vendor string) ([]Item, error) {
	t.Helper()
	items, errCh := Ingest("run1", "file1", vendor, path, testMapping())
	var got []Item
	for it := range items {
		got = append(got, it)
	}
	return got, <-errCh
}

func TestIngestCSVHappyPath(t *testing.T) {
	path := writeFile(t, "events.csv", "ts,bytes_up,bytes_down,url,user,action,method,status\n"+
		"2026-01-01T10:00:00Z,100,200,https://example.com/api/x,u1,allow,GET,200\n")
	items, err := drain(t, path, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Event == nil {
		t.Fatalf("expected one event, got %+v", items)
	}
	e := items[0].Event
	if e.UserID != "u1" || e.Action != "allow" || e.DestDomain != "example.com" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestIngestJSONLines(t *testing.T) {
	path := writeFile(t, "events.jsonl",
		`{"ts":"2026-01-01T10:00:00Z","bytes_up":10,"url":"https://api.sub.example.com/v1","user":"u2","action":"deny","method":"POST","status":403}`+"\n")
	items, err := drain(t, path, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Event == nil {
		t.Fatalf("expected one event, got %+v", items)
	}
	if items[0].Event.DestDomain != "example.com" {
		t.Fatalf("expected eTLD+1 domain extraction, got %q", items[0].Event.DestHost)
	}
}

func TestIngestSkipsRowMissingTimestamp(t *testing.T) {
	path := writeFile(t, "events.csv", "ts,bytes_up,url,user,action\n"+
		",10,https://example.com,u1,allow\n")
	items, err := drain(t, path, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Warning == "" {
		t.Fatalf("expected a warning for missing timestamp, got %+v", items)
	}
}

func TestLineageHashDiffersAcrossFiles(t *testing.T) {
	row := map[string]string{"a": "1", "b": "2"}
	h1 := lineageHashOf("/a/file1.csv", 0, row)
	h2 := lineageHashOf("/a/file2.csv", 0, row)
	if h1 == h2 {
		t.Fatalf("expected identical row content in different files to yield distinct lineage hashes")
	}
}

func TestDetectShapeByExtension(t *testing.T) {
	cases := map[string]Shape{
		"x.csv": ShapeCSV, "x.json": ShapeJSONArray, "x.jsonl": ShapeJSONLines,
	}
	for name, want := range cases {
		path := writeFile(t, name, "[]")
		got, err := DetectShape(path)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", name, err)
		}
		if got != want {
			t.Errorf("DetectShape(%s) = %v, want %v", name, got, want)
		}
	}
}
