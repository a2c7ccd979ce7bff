// Package audit persists chain events as append-only JSON Lines.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/playforge/rulechain/internal/logger"
	"github.com/playforge/rulechain/rulechain"
)

// JSONLSink appends one JSON object per chain event to a file.
// Writes are serialized; a failed write is logged and dropped rather
// than failing the request that produced the event.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

var _ rulechain.Auditor = (*JSONLSink)(nil)

// NewJSONLSink opens (or creates) the audit file at path for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

// ChainCompleted appends the event as one line.
func (s *JSONLSink) ChainCompleted(_ context.Context, event rulechain.ChainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if err := s.enc.Encode(event); err != nil {
		logger.Error("audit write failed", "error", err)
	}
}

// Close closes the underlying file. Further events are discarded.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.enc = nil
	return err
}
