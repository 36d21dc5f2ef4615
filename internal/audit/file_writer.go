package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// fileWriter writes audit entries to a rotated JSON lines file
type fileWriter struct {
	logger  *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileWriter creates a file writer with size and age based rotation
func NewFileWriter(filename string, maxSizeMB, maxAgeDays, maxBackups int) (Writer, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true,
	}

	return &fileWriter{
		logger:  logger,
		encoder: json.NewEncoder(logger),
	}, nil
}

func (w *fileWriter) Write(entry *types.AuditLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.encoder.Encode(entry)
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.logger.Close()
}
