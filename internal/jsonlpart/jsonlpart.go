// Package jsonlpart provides append-only, day-partitioned JSONL storage
// with byte-offset line indexing. It targets a single writer per
// process: no cross-process coordination, but durable append-then-fsync
// ordering and a byte-offset index so hydration never has to re-scan a
// whole day file from the start.
package jsonlpart

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store manages day-partition JSONL files under one directory.
type Store struct {
	dir string

	mu         sync.Mutex
	partitions map[string]*partition
}

// partition tracks one open day file: its line-start byte offsets and
// the *os.File kept open for append.
type partition struct {
	path    string
	file    *os.File
	offsets []int64 // offsets[i] is the byte offset where line i+1 starts
	size    int64
}

// NewStore creates (if needed) dir and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	return &Store{dir: dir, partitions: make(map[string]*partition)}, nil
}

func (s *Store) pathFor(day string) string {
	return filepath.Join(s.dir, day+".jsonl")
}

// loadPartition opens (or re-opens) the partition for day and builds its
// offset index by scanning the file once. Callers must hold s.mu.
func (s *Store) loadPartition(day string) (*partition, error) {
	if p, ok := s.partitions[day]; ok {
		return p, nil
	}

	path := s.pathFor(day)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create partition %s: %w", day, err)
		}
		p := &partition{path: path, file: f}
		s.partitions[day] = p
		return p, nil
	}

	offsets, size, err := scanOffsets(path)
	if err != nil {
		return nil, fmt.Errorf("scan partition %s: %w", day, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", day, err)
	}
	p := &partition{path: path, file: f, offsets: offsets, size: size}
	s.partitions[day] = p
	return p, nil
}

// scanOffsets computes the byte offset of the start of every line in
// path, plus the file's current size.
func scanOffsets(path string) ([]int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var offsets []int64
	var pos int64
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		offsets = append(offsets, pos)
		line, err := r.ReadBytes('\n')
		pos += int64(len(line))
		if err != nil {
			// End of file, or a trailing partial line (no final
			// newline): drop the speculative offset we just appended
			// for it, since it is not a complete, retrievable record.
			offsets = offsets[:len(offsets)-1]
			break
		}
	}
	return offsets, pos, nil
}

// Append writes data (without a trailing newline) as one new line to
// day's partition, fsyncs it, and returns the 1-based line number the
// record now occupies. The write is durable (fsynced) before Append
// returns, so callers may commit an index row pointing at it.
func (s *Store) Append(day string, data []byte) (line int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadPartition(day)
	if err != nil {
		return 0, err
	}

	if _, err := p.file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("seek partition %s: %w", day, err)
	}

	record := append(append([]byte(nil), data...), '\n')
	n, err := p.file.Write(record)
	if err != nil {
		return 0, fmt.Errorf("write partition %s: %w", day, err)
	}
	if err := p.file.Sync(); err != nil {
		return 0, fmt.Errorf("fsync partition %s: %w", day, err)
	}

	p.offsets = append(p.offsets, p.size)
	p.size += int64(n)
	return int64(len(p.offsets)), nil
}

// ReadLine returns the raw bytes of the 1-based line-th record in day's
// partition, without the trailing newline.
func (s *Store) ReadLine(day string, line int64) ([]byte, error) {
	s.mu.Lock()
	p, err := s.loadPartition(day)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.readLine(line)
}

func (p *partition) readLine(line int64) ([]byte, error) {
	if line < 1 || line > int64(len(p.offsets)) {
		return nil, fmt.Errorf("line %d out of range (have %d lines)", line, len(p.offsets))
	}

	start := p.offsets[line-1]
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open partition for read: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek line %d: %w", line, err)
	}
	r := bufio.NewReader(f)
	raw, err := r.ReadBytes('\n')
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("read line %d: %w", line, err)
	}
	// Trim the trailing newline if present (final line of the file may lack one).
	if n := len(raw); n > 0 && raw[n-1] == '\n' {
		raw = raw[:n-1]
	}
	return raw, nil
}

// LineCount returns the cached line count for day's partition, opening
// and indexing it if this is the first access in this process.
func (s *Store) LineCount(day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadPartition(day)
	if err != nil {
		return 0, err
	}
	return int64(len(p.offsets)), nil
}

// Recover reconciles a day partition against a known index line count:
// if the file has more complete lines than the index reflects (crash
// between the JSONL append and the index commit), the gap lines
// (indexed after maxIndexedLine) are returned so the caller can replay
// them into the index.
func (s *Store) Recover(day string, maxIndexedLine int64) (gap [][]byte, err error) {
	s.mu.Lock()
	p, loadErr := s.loadPartition(day)
	s.mu.Unlock()
	if loadErr != nil {
		return nil, loadErr
	}

	total := int64(len(p.offsets))
	for line := maxIndexedLine + 1; line <= total; line++ {
		raw, err := p.readLine(line)
		if err != nil {
			return gap, fmt.Errorf("recover line %d: %w", line, err)
		}
		gap = append(gap, raw)
	}
	return gap, nil
}

// Close releases all open partition file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, p := range s.partitions {
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
