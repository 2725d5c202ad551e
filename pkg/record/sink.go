package record

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Sink appends records to a line-delimited JSON log. Writes are serialized
// and each record is written with a single write call, so concurrent probes
// interleave at record granularity only.
type Sink struct {
	mu sync.Mutex
	f  *os.File
}

// OpenSink opens (creating if needed) the log at path for appending.
func OpenSink(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open record log: %w", err)
	}
	return &Sink{f: f}, nil
}

// Append writes one record as a single log line.
func (s *Sink) Append(r *BurstRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err = s.f.Write(b)
	return err
}

// Path returns the log file path.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ""
	}
	return s.f.Name()
}

// Close syncs and closes the log.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
