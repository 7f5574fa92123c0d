// Package journal records session traffic as hourly zstd-compressed JSONL
// files, for offline inspection of a play session.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/netscene/netscene/internal/session"
	"go.uber.org/zap"
)

// Entry is one recorded message.
type Entry struct {
	At      int64  `json:"t"` // unix milliseconds
	Run     string `json:"run"`
	Session string `json:"session,omitempty"`
	Dir     string `json:"dir"`
	Peer    uint64 `json:"peer"`
	Opcode  byte   `json:"op"`
	Data    []byte `json:"data"`
}

// Writer implements session.Tap. Files are named
// <run>-<yyyy-mm-dd-hh>.jsonl.zst under dir and rotate on the hour.
type Writer struct {
	dir string
	run string
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	session string
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written int
	failed  bool
}

func NewWriter(dir string, log *zap.Logger) *Writer {
	return &Writer{
		dir: dir,
		run: uuid.NewString(),
		log: log.Named("journal"),
		now: time.Now,
	}
}

// Run is the identifier shared by every file of this writer.
func (w *Writer) Run() string { return w.run }

// SetSession tags subsequent entries with a session id.
func (w *Writer) SetSession(id string) {
	w.mu.Lock()
	w.session = id
	w.mu.Unlock()
}

// Record implements session.Tap. Write errors are logged once and the
// journal stops recording; the session is never affected.
func (w *Writer) Record(dir session.Direction, peer uint64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	e := Entry{
		At:      w.now().UnixMilli(),
		Run:     w.run,
		Session: w.session,
		Dir:     string(dir),
		Peer:    peer,
		Data:    data,
	}
	if len(data) > 0 {
		e.Opcode = data[0]
	}
	if err := w.writeLocked(e); err != nil {
		w.failed = true
		w.log.Error("封包紀錄寫入失敗，停止紀錄", zap.Error(err))
	}
}

func (w *Writer) writeLocked(e Entry) error {
	hour := time.UnixMilli(e.At).UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.written++
	return nil
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
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

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.run, hour))
}

// Written returns the number of recorded entries.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}
