package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// streamWriter writes audit entries as JSON lines
type streamWriter struct {
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewStdoutWriter creates a writer that prints entries to stdout
func NewStdoutWriter() Writer {
	return NewStreamWriter(os.Stdout)
}

// NewStreamWriter creates a writer that encodes entries to w
func NewStreamWriter(w io.Writer) Writer {
	return &streamWriter{encoder: json.NewEncoder(w)}
}

func (w *streamWriter) Write(entry *types.AuditLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.encoder.Encode(entry)
}

// Close is a no-op; the stream belongs to the caller
func (w *streamWriter) Close() error {
	return nil
}
