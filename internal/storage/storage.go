// Package storage journals rejected telemetry to daily JSON-lines files so
// malformed traffic can be inspected after the fact. Finished days are
// gzip-compressed.
package storage

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	filePrefix = "rejected_"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Entry is one journaled rejection. Payload holds the raw bytes as received,
// base64-encoded on disk so invalid UTF-8 survives.
type Entry struct {
	Time    time.Time `json:"time"`
	Topic   string    `json:"topic"`
	Reason  string    `json:"reason"`
	Payload []byte    `json:"payload"`
}

// Storage writes rejected payloads to the file for the current UTC day
type Storage struct {
	outputDir string
	now       func() time.Time

	mu       sync.Mutex
	file     *os.File
	fileName string
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Storage instance
func New(outputDir string) *Storage {
	return &Storage{
		outputDir: outputDir,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start creates the output directory, compresses files left over from
// earlier days and starts the rotation timer
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	s.mu.Lock()
	err := s.openLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.compressStale(); err != nil {
		log.Warnf("Failed to compress old journal files: %v", err)
	}

	s.wg.Add(1)
	go s.rotationTimer()

	return nil
}

// Stop closes the current file and stops the rotation timer
func (s *Storage) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteRejected appends one rejected message to the journal
func (s *Storage) WriteRejected(topic string, payload []byte, reason string) error {
	line, err := json.Marshal(Entry{
		Time:    s.now().UTC(),
		Topic:   topic,
		Reason:  reason,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.fileName != s.pathFor(s.now()) {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	_, err = s.file.Write(append(line, '\n'))
	return err
}

func (s *Storage) pathFor(t time.Time) string {
	return filepath.Join(s.outputDir, filePrefix+t.UTC().Format(dayLayout)+fileSuffix)
}

// rotationTimer handles daily rotation at midnight UTC
func (s *Storage) rotationTimer() {
	defer s.wg.Done()

	for {
		now := s.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			s.mu.Lock()
			err := s.rotateLocked()
			s.mu.Unlock()
			if err != nil {
				log.Errorf("Journal rotation failed: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotateLocked closes and compresses the open file if it belongs to an
// earlier day, then opens the file for today
func (s *Storage) rotateLocked() error {
	if s.file != nil && s.fileName == s.pathFor(s.now()) {
		return nil
	}

	if s.file != nil {
		previous := s.fileName
		if err := s.file.Close(); err != nil {
			log.Warnf("Failed to close journal file: %v", err)
		}
		s.file = nil
		if err := compressFile(previous); err != nil {
			log.Warnf("Failed to compress %s: %v", previous, err)
		}
	}

	return s.openLocked()
}

func (s *Storage) openLocked() error {
	name := s.pathFor(s.now())
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create journal file: %w", err)
	}

	s.file = file
	s.fileName = name
	return nil
}

// compressStale compresses uncompressed journal files from earlier days
func (s *Storage) compressStale() error {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}

	s.mu.Lock()
	current := s.fileName
	s.mu.Unlock()

	for _, name := range matches {
		if name == current {
			continue
		}
		if err := compressFile(name); err != nil {
			return fmt.Errorf("failed to compress %s: %w", name, err)
		}
	}
	return nil
}

// compressFile gzips path to path.gz and removes the original
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	gzipWriter.Name = filepath.Base(path)
	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

// ReadEntries decodes a journal file, transparently handling .gz files
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip journal: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var entries []Entry
	dec := json.NewDecoder(r)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("failed to decode journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
