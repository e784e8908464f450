package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named <prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, now func() time.Time) *JSONLZstdWriter {
	if now == nil {
		now = time.Now
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Files lists the rotated files under dir for prefix, oldest first.
func Files(dir, prefix string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadLines streams every JSON line of a (possibly multi-frame) zstd file to fn.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 1 {
			if ferr := fn(line[:len(line)-1]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

const (
	EventCorrection = "CORRECTION"
	EventReset      = "FORCED_RESET"
	EventConflict   = "CONFLICT"
)

type CorrectedResource struct {
	ID        string `json:"id"`
	Claimed   string `json:"claimed"`
	Corrected string `json:"corrected"`
}

// Event is one anti-cheat or concurrency outcome worth keeping for operators.
type Event struct {
	At            int64               `json:"at"` // unix ms
	Kind          string              `json:"kind"`
	SessionID     string              `json:"session_id"`
	Op            string              `json:"op"`
	ServerVersion int64               `json:"server_version"`
	Warnings      int                 `json:"warnings,omitempty"`
	Resources     []CorrectedResource `json:"resources,omitempty"`
	Message       string              `json:"message,omitempty"`
}

type EventStats struct {
	Written       uint64
	Dropped       uint64
	Failed        uint64
	QueueDepth    int
	QueueCapacity int
}

// EventLogger writes events from a single goroutine. Record never blocks: when the queue
// is full the event is dropped and counted.
type EventLogger struct {
	w    *JSONLZstdWriter
	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	// sendMu keeps Record from sending on a channel Close is closing.
	sendMu sync.RWMutex
	closed atomic.Bool

	written, dropped, failed atomic.Uint64
}

func NewEventLogger(dataDir string, queue int, now func() time.Time) *EventLogger {
	if queue <= 0 {
		queue = 1024
	}
	l := &EventLogger{
		w:  NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events", now),
		ch: make(chan Event, queue),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for ev := range l.ch {
			if err := l.w.Write(ev); err != nil {
				l.failed.Add(1)
				continue
			}
			l.written.Add(1)
		}
	}()
	return l
}

func (l *EventLogger) Record(ev Event) {
	if l == nil {
		return
	}
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed.Load() {
		return
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
	}
}

func (l *EventLogger) Stats() EventStats {
	return EventStats{
		Written:       l.written.Load(),
		Dropped:       l.dropped.Load(),
		Failed:        l.failed.Load(),
		QueueDepth:    len(l.ch),
		QueueCapacity: cap(l.ch),
	}
}

// Close drains the queue and finishes the current file.
func (l *EventLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.sendMu.Lock()
		l.closed.Store(true)
		close(l.ch)
		l.sendMu.Unlock()
		l.wg.Wait()
		err = l.w.Close()
	})
	return err
}

// EventsDir is where NewEventLogger writes for dataDir.
func EventsDir(dataDir string) string { return filepath.Join(dataDir, "events") }
