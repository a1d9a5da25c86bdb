package incidentjson

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"threatlens/internal/broadcast"
	"threatlens/internal/logger"
	"threatlens/pkg/models"
)

// Writer appends update envelopes to a JSON lines audit trail.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL audit writer.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	logger.Infof("Incident audit writer initialized: %s", path)
	return &Writer{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// WriteUpdate appends one update envelope.
func (w *Writer) WriteUpdate(u models.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(u); err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	return nil
}

// Pump drains a broadcast subscription into the audit trail until ctx is
// cancelled or the subscription closes.
func (w *Writer) Pump(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			if u.GapBefore {
				logger.Warnf("Audit trail missed updates before %s seq %d", u.IncidentKey, u.Seq)
			}
			if err := w.WriteUpdate(u); err != nil {
				logger.Errorf("Failed to write audit update: %v", err)
			}
		}
	}
}

// Close closes the audit file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
