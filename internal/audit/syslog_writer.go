package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"sync"

	"github.com/authz-engine/rls-engine/pkg/types"
)

// syslogWriter forwards audit entries to a syslog daemon
type syslogWriter struct {
	writer *syslog.Writer
	mu     sync.Mutex
}

// NewSyslogWriter connects to a syslog daemon
func NewSyslogWriter(protocol, address string) (Writer, error) {
	if protocol == "" {
		protocol = "tcp"
	}

	writer, err := syslog.Dial(protocol, address, syslog.LOG_INFO|syslog.LOG_LOCAL0, "rls-engine")
	if err != nil {
		return nil, fmt.Errorf("connect to syslog: %w", err)
	}

	return &syslogWriter{writer: writer}, nil
}

func (w *syslogWriter) Write(entry *types.AuditLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	// denials are raised to warning so they stand out in the daemon's log
	if !entry.Result.Allowed {
		return w.writer.Warning(string(data))
	}
	return w.writer.Info(string(data))
}

func (w *syslogWriter) Close() error {
	return w.writer.Close()
}
