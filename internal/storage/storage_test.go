package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestNew(t *testing.T) {
	s := New("/tmp/journal")
	if s == nil {
		t.Fatal("New() returned nil")
	}
	if s.outputDir != "/tmp/journal" {
		t.Errorf("Expected outputDir /tmp/journal, got %s", s.outputDir)
	}
	if s.stopChan == nil {
		t.Error("Expected stopChan to be initialized")
	}
}

func TestStorage_StartAndStop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	s := New(dir)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := os.Stat(s.fileName); err != nil {
		t.Errorf("Expected journal file to exist: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	// Stop is idempotent
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestStorage_WriteRejected(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New(dir)
	s.now = fixedClock(&now)

	if err := s.WriteRejected("frontend/obu_position", []byte(`{"latitude":`), "malformed_json"); err != nil {
		t.Fatalf("WriteRejected() error = %v", err)
	}
	if err := s.WriteRejected("vanetza/out/cam", []byte(`{"fields":{}}`), "missing_coordinate"); err != nil {
		t.Fatalf("WriteRejected() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	entries, err := ReadEntries(filepath.Join(dir, "rejected_2024-05-01.jsonl"))
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Reason != "malformed_json" || string(entries[0].Payload) != `{"latitude":` {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].Topic != "vanetza/out/cam" || !entries[1].Time.Equal(now) {
		t.Errorf("Unexpected second entry: %+v", entries[1])
	}
}

func TestStorage_WriteRejected_KeepsRawBytes(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "invalid utf-8", payload: []byte{'{', 0xff, 0xfe, '"', 0xc3}},
		{name: "binary", payload: []byte{0x00, 0x01, 0x80, 0xff}},
		{name: "empty", payload: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			s := New(dir)
			s.now = fixedClock(&now)

			if err := s.WriteRejected("frontend/obu_position", tt.payload, "malformed_json"); err != nil {
				t.Fatalf("WriteRejected() error = %v", err)
			}
			if err := s.Stop(); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}

			entries, err := ReadEntries(filepath.Join(dir, "rejected_2024-05-01.jsonl"))
			if err != nil {
				t.Fatalf("ReadEntries() error = %v", err)
			}
			if len(entries) != 1 || !bytes.Equal(entries[0].Payload, tt.payload) {
				t.Errorf("payload = %v, want %v", entries, tt.payload)
			}
		})
	}
}

func TestStorage_RotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	s := New(dir)
	s.now = fixedClock(&now)

	if err := s.WriteRejected("t", []byte("a"), "malformed_json"); err != nil {
		t.Fatalf("WriteRejected() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := s.WriteRejected("t", []byte("b"), "malformed_json"); err != nil {
		t.Fatalf("WriteRejected() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "rejected_2024-05-01.jsonl")); !os.IsNotExist(err) {
		t.Error("Previous day's file should be removed after compression")
	}

	old, err := ReadEntries(filepath.Join(dir, "rejected_2024-05-01.jsonl.gz"))
	if err != nil {
		t.Fatalf("ReadEntries(gz) error = %v", err)
	}
	if len(old) != 1 || string(old[0].Payload) != "a" {
		t.Errorf("Compressed file should hold the first entry, got %+v", old)
	}

	current, err := ReadEntries(filepath.Join(dir, "rejected_2024-05-02.jsonl"))
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(current) != 1 || string(current[0].Payload) != "b" {
		t.Errorf("Current file should hold the second entry, got %+v", current)
	}
}

func TestStorage_StartCompressesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "rejected_2020-01-01.jsonl")
	if err := os.WriteFile(stale, []byte(`{"topic":"t","reason":"r","payload":"cA=="}`+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write stale file: %v", err)
	}

	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale file should be compressed on start")
	}
	entries, err := ReadEntries(stale + ".gz")
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "p" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestStorage_StartInvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	s := New(filepath.Join(file, "journal"))
	if err := s.Start(); err == nil {
		t.Error("Start() should fail when the directory cannot be created")
		s.Stop()
	}
}

func TestCompressNonExistentFile(t *testing.T) {
	if err := compressFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("compressFile() should fail for a missing file")
	}
}

func TestReadEntries_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadEntries(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("ReadEntries() should fail for a missing file")
	}

	bad := filepath.Join(dir, "bad.jsonl.gz")
	if err := os.WriteFile(bad, []byte("not gzip"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := ReadEntries(bad); err == nil {
		t.Error("ReadEntries() should fail for invalid gzip")
	}
}

func TestStorage_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				payload := []byte(fmt.Sprintf("payload %d-%d", id, j))
				if err := s.WriteRejected("t", payload, "malformed_json"); err != nil {
					t.Errorf("WriteRejected() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	name := s.fileName
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	entries, err := ReadEntries(name)
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 200 {
		t.Errorf("Expected 200 entries, got %d", len(entries))
	}
}
