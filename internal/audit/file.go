package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileSink appends JSON lines to a file. Writers in different processes are
// serialized through a lock file next to the log.
type FileSink struct {
	path string
	lock *flock.Flock
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileSink{path: path, lock: flock.New(path + ".lock")}, nil
}

func (f *FileSink) Path() string { return f.path }

func (f *FileSink) Append(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := f.lock.TryLockContext(lockCtx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock audit log: timeout acquiring lock")
	}
	defer func() { _ = f.lock.Unlock() }()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := fh.Write(line); err != nil {
		_ = fh.Close()
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	return fh.Close()
}

func (f *FileSink) Records(context.Context) ([]Record, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer fh.Close()

	out := make([]Record, 0)
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode audit line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
