// Package outbox implements the optional persisted store spec.md §6
// names as external collaborator: a cached outbound queue of pending
// publishes, keyed by (client_id, protocol_version), flushed to disk as
// a gzip-compressed log once a threshold of buffered messages is
// reached.
package outbox

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Key identifies one client's outbox file.
type Key struct {
	ClientID        string
	ProtocolVersion int
}

func (k Key) filename() string {
	return fmt.Sprintf("%s-v%d.outbox.gz", k.ClientID, k.ProtocolVersion)
}

// Store is a directory of per-client gzip-compressed pending-publish
// logs. It buffers messages in memory and flushes to disk once
// FlushThreshold messages have accumulated for a given Key, or on
// explicit Flush. Rows beyond MaxRows are dropped from the in-memory
// buffer (oldest first) rather than growing unbounded.
type Store struct {
	Directory      string
	FlushThreshold int
	MaxRows        int

	mu      sync.Mutex
	pending map[Key][][]byte
}

// New returns a Store rooted at directory. directory is created if it
// does not already exist.
func New(directory string, flushThreshold, maxRows int) (*Store, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: creating %s: %w", directory, err)
	}
	return &Store{
		Directory:      directory,
		FlushThreshold: flushThreshold,
		MaxRows:        maxRows,
		pending:        make(map[Key][][]byte),
	}, nil
}

// Enqueue buffers msg (a serialized MQTT PUBLISH) for key, flushing to
// disk automatically once FlushThreshold is reached.
func (s *Store) Enqueue(key Key, msg []byte) error {
	s.mu.Lock()
	buf := append(s.pending[key], append([]byte(nil), msg...))
	if len(buf) > s.MaxRows {
		buf = buf[len(buf)-s.MaxRows:]
	}
	s.pending[key] = buf
	shouldFlush := len(buf) >= s.FlushThreshold
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(key)
	}
	return nil
}

// Flush writes every buffered message for key to its gzip-compressed
// log file, replacing any previous contents, and clears the in-memory
// buffer for key.
func (s *Store) Flush(key Key) error {
	s.mu.Lock()
	rows := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	path := filepath.Join(s.Directory, key.filename())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("outbox: creating %s: %w", path, err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	w := bufio.NewWriter(gzWriter)
	for _, row := range rows {
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(row)))
		if _, err := w.Write(lenPrefix[:]); err != nil {
			return fmt.Errorf("outbox: writing %s: %w", path, err)
		}
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("outbox: writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("outbox: flushing %s: %w", path, err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("outbox: closing gzip writer for %s: %w", path, err)
	}
	return nil
}

// Load reads back every message previously flushed for key. A missing
// file is not an error; it reports an empty slice.
func (s *Store) Load(key Key) ([][]byte, error) {
	path := filepath.Join(s.Directory, key.filename())
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: opening %s: %w", path, err)
	}
	defer f.Close()

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("outbox: reading gzip header of %s: %w", path, err)
	}
	defer gzReader.Close()

	r := bufio.NewReader(gzReader)
	var rows [][]byte
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		row := make([]byte, n)
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, fmt.Errorf("outbox: truncated row in %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Pending reports how many messages are currently buffered in memory
// for key (not yet flushed).
func (s *Store) Pending(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[key])
}

// Clear drops key's in-memory buffer and removes its on-disk log, used
// once every previously flushed row has been resent after a reconnect.
// A missing file is not an error.
func (s *Store) Clear(key Key) error {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	path := filepath.Join(s.Directory, key.filename())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("outbox: removing %s: %w", path, err)
	}
	return nil
}
