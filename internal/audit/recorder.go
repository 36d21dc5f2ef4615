package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/pkg/types"
)

// ErrClosed is returned when recording on a closed recorder
var ErrClosed = errors.New("audit recorder is closed")

// Config for the audit recorder
type Config struct {
	// Async queues entries in a ring buffer flushed in the background
	Async bool
	// BufferSize bounds the ring buffer; the oldest entry is dropped on overflow
	BufferSize int
	// FlushInterval is the background flush period
	FlushInterval time.Duration
	// WriteTimeout bounds one background flush
	WriteTimeout time.Duration
	// HashChain links entries of each organization with SHA-256 hashes
	HashChain bool

	// Output mirrors entries to: "" (none), stdout, file or syslog
	Output string

	FilePath       string
	FileMaxSize    int // MB
	FileMaxAge     int // days
	FileMaxBackups int

	SyslogAddr     string
	SyslogProtocol string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Async:          true,
		BufferSize:     1000,
		FlushInterval:  100 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		HashChain:      true,
		FileMaxSize:    100,
		FileMaxAge:     30,
		FileMaxBackups: 10,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Output {
	case "", "stdout":
	case "file":
		if c.FilePath == "" {
			return errors.New("file path is required for file output")
		}
	case "syslog":
		if c.SyslogAddr == "" {
			return errors.New("syslog address is required for syslog output")
		}
	default:
		return fmt.Errorf("invalid audit output: %s (must be stdout, file, or syslog)", c.Output)
	}

	if c.Async {
		if c.BufferSize <= 0 {
			return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
		}
		if c.FlushInterval <= 0 {
			return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
		}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return nil
}

// NewWriter builds the writer selected by Output, or nil for none
func NewWriter(cfg Config) (Writer, error) {
	switch cfg.Output {
	case "":
		return nil, nil
	case "stdout":
		return NewStdoutWriter(), nil
	case "file":
		w, err := NewFileWriter(cfg.FilePath, cfg.FileMaxSize, cfg.FileMaxAge, cfg.FileMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("create file writer: %w", err)
		}
		return w, nil
	case "syslog":
		w, err := NewSyslogWriter(cfg.SyslogProtocol, cfg.SyslogAddr)
		if err != nil {
			return nil, fmt.Errorf("create syslog writer: %w", err)
		}
		return w, nil
	}
	return nil, fmt.Errorf("unsupported audit output: %s", cfg.Output)
}

type requestIDKey struct{}

// WithRequestID attaches a request id that Record copies onto entries
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recorder appends audit entries to a Store, optionally off the caller's path
type Recorder struct {
	store   Store
	writer  Writer
	chain   *HashChain
	config  Config
	logger  *zap.Logger
	metrics metrics.Metrics
	now     func() time.Time

	// ring buffer
	mu     sync.Mutex
	buffer []*types.AuditLogEntry
	head   int
	count  int
	closed bool

	persistMu sync.Mutex
	dropped   atomic.Uint64

	flushCh   chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder creates a recorder. In async mode a background goroutine is
// started; call Close to stop it. The writer may be nil.
func NewRecorder(cfg Config, store Store, writer Writer, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		store:   store,
		writer:  writer,
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewNoOpMetrics(),
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	if cfg.HashChain {
		r.chain = NewHashChain()
	}
	if cfg.Async {
		r.buffer = make([]*types.AuditLogEntry, cfg.BufferSize)
		r.wg.Add(1)
		go r.run()
	}
	return r, nil
}

// WithMetrics sets the metrics sink. Call before the first Record.
func (r *Recorder) WithMetrics(m metrics.Metrics) *Recorder {
	if m != nil {
		r.metrics = m
	}
	return r
}

// WithClock overrides the timestamp source. Call before the first Record.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record assigns an id and timestamp to a copy of the entry and appends it.
// In async mode it returns once the entry is queued and the hash fields of
// the returned copy are left empty.
func (r *Recorder) Record(ctx context.Context, entry *types.AuditLogEntry) (*types.AuditLogEntry, error) {
	if entry == nil {
		return nil, errors.New("audit entry is required")
	}
	if entry.OrganizationID == "" {
		return nil, errors.New("audit entry organizationId is required")
	}

	e := entry.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	if e.RequestID == "" {
		e.RequestID = requestID(ctx)
	}

	if !r.config.Async {
		if r.isClosed() {
			return nil, ErrClosed
		}
		if err := r.persist(ctx, []*types.AuditLogEntry{e}); err != nil {
			return nil, err
		}
		return e.Clone(), nil
	}

	if err := r.enqueue(e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// enqueue adds an entry to the ring buffer without blocking
func (r *Recorder) enqueue(e *types.AuditLogEntry) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	size := len(r.buffer)
	if r.count == size {
		dropped := r.buffer[r.head]
		r.buffer[r.head] = nil
		r.head = (r.head + 1) % size
		r.count--
		r.dropped.Add(1)
		r.metrics.RecordAuditDropped()
		r.logger.Warn("Audit buffer full, dropping oldest entry",
			zap.String("entry_id", dropped.ID),
			zap.String("organization_id", dropped.OrganizationID))
	}
	r.buffer[(r.head+r.count)%size] = e
	r.count++
	depth := r.count
	r.mu.Unlock()

	r.metrics.UpdateAuditQueueDepth(depth)

	select {
	case r.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// drain empties the ring buffer oldest first
func (r *Recorder) drain() []*types.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	size := len(r.buffer)
	out := make([]*types.AuditLogEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % size
		out = append(out, r.buffer[idx])
		r.buffer[idx] = nil
	}
	r.head, r.count = 0, 0
	return out
}

// run is the background goroutine that flushes entries periodically
func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			r.logger.Error("Background audit flush failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-r.flushCh:
			flush()
		case <-r.doneCh:
			flush()
			return
		}
	}
}

// Flush persists every queued entry. Entries whose write fails are lost.
// Concurrent flushes drain and persist one at a time, so batches reach the
// store in queue order.
func (r *Recorder) Flush(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	entries := r.drain()
	if len(entries) == 0 {
		return nil
	}
	r.metrics.UpdateAuditQueueDepth(r.Pending())
	return r.persistLocked(ctx, entries)
}

// persist links, stores and mirrors entries. It is serialized so the hash
// chain follows storage order.
func (r *Recorder) persist(ctx context.Context, entries []*types.AuditLogEntry) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return r.persistLocked(ctx, entries)
}

// persistLocked requires persistMu
func (r *Recorder) persistLocked(ctx context.Context, entries []*types.AuditLogEntry) error {

	var heads map[string]string
	if r.chain != nil {
		heads = make(map[string]string)
		for _, e := range entries {
			if _, seen := heads[e.OrganizationID]; seen {
				continue
			}
			if err := r.ensureChain(ctx, e.OrganizationID); err != nil {
				r.failed(len(entries))
				return err
			}
			heads[e.OrganizationID] = r.chain.LastHash(e.OrganizationID)
		}
		for _, e := range entries {
			if err := r.chain.Link(e); err != nil {
				r.rewind(heads)
				r.failed(len(entries))
				return err
			}
		}
	}

	if err := r.store.Append(ctx, entries...); err != nil {
		r.rewind(heads)
		r.failed(len(entries))
		return fmt.Errorf("append %d audit entries: %w", len(entries), err)
	}

	for _, e := range entries {
		r.metrics.RecordAuditEntry("recorded")
		if r.writer == nil {
			continue
		}
		if err := r.writer.Write(e); err != nil {
			r.logger.Warn("Audit writer failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// ensureChain seeds an organization's chain from its newest stored entry
func (r *Recorder) ensureChain(ctx context.Context, orgID string) error {
	if r.chain.IsInitialized(orgID) {
		return nil
	}
	last, err := r.store.Last(ctx, orgID)
	if err != nil {
		return fmt.Errorf("load audit chain head for %s: %w", orgID, err)
	}
	head := ""
	if last != nil {
		head = last.Hash
	}
	r.chain.Initialize(orgID, head)
	return nil
}

func (r *Recorder) rewind(heads map[string]string) {
	for org, h := range heads {
		r.chain.Initialize(org, h)
	}
}

func (r *Recorder) failed(n int) {
	for i := 0; i < n; i++ {
		r.metrics.RecordAuditEntry("failed")
	}
}

// Pending returns the number of queued entries
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many entries were lost to buffer overflow
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close flushes remaining entries and closes the writer
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		if r.config.Async {
			close(r.doneCh)
			r.wg.Wait()
		}
		if r.writer != nil {
			err = r.writer.Close()
		}
	})
	return err
}
