package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal appends verdict blocks to one file per day named YYYY-MM-DD.log
// inside its directory. A journal without a directory forwards every line to
// the process logger instead.
type Journal struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewJournal creates the journal directory if needed.
func NewJournal(dir string) (*Journal, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// FormatLine renders one journal line: a millisecond timestamp, optional
// indentation and the message.
func FormatLine(t time.Time, padding int, msg string) string {
	return fmt.Sprintf("[%s] %s%s", t.Format("15:04:05.000"), strings.Repeat(" ", padding), msg)
}

// Log writes a single timestamped line.
func (j *Journal) Log(msg string) error {
	return j.WriteBatch([]string{FormatLine(j.now(), 0, msg)})
}

// WriteBatch appends already formatted lines in one write so that blocks
// from concurrent messages never interleave.
func (j *Journal) WriteBatch(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if j.dir == "" {
		for _, l := range lines {
			Info(l)
		}
		return nil
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	return f.Close()
}

func (j *Journal) path() string {
	return filepath.Join(j.dir, j.now().Format("2006-01-02")+".log")
}
