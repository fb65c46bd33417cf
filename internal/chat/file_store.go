package chat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists history as one JSON object per line. Appends go
// straight to disk so a crash loses at most the entry being written.
type FileStore struct {
	mu       sync.Mutex
	path     string
	messages []Message
	loaded   bool
}

// NewFileStore creates a store backed by the given file. The file is
// created on first append if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Append(msg Message) {
	if msg.ID == "" {
		msg = withIdentity(msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.messages = append(s.messages, msg)

	if err := s.appendLineLocked(msg); err != nil {
		// History on disk is best-effort; the in-memory view stays
		// authoritative for this session.
		fmt.Fprintf(os.Stderr, "chat: persist message: %v\n", err)
	}
}

func (s *FileStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *FileStore) appendLineLocked(msg Message) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *FileStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Skip corrupt lines rather than refusing the whole file.
			continue
		}
		s.messages = append(s.messages, msg)
	}
}
