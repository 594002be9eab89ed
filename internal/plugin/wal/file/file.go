package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chirino/context-engine/internal/config"
	"github.com/chirino/context-engine/internal/model"
	registrywal "github.com/chirino/context-engine/internal/registry/wal"
)

func init() {
	registrywal.Register(registrywal.Plugin{
		Name:   "file",
		Loader: load,
	})
}

func load(ctx context.Context) (registrywal.DurableLog, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.WalPath == "" {
		return nil, fmt.Errorf("file durable log: CONTEXT_ENGINE_WAL_PATH is required")
	}
	if dir := filepath.Dir(cfg.WalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file durable log: %w", err)
		}
	}
	return &FileLog{path: cfg.WalPath}, nil
}

// FileLog appends turns to a JSON-lines file, one turn per line.
type FileLog struct {
	mu   sync.Mutex
	path string
}

func (l *FileLog) Name() string { return "file" }

func (l *FileLog) Append(_ context.Context, t *model.Turn) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *FileLog) Replay(_ context.Context) ([]*model.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var turns []*model.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t model.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			// A torn trailing write is expected after a crash; stop there.
			break
		}
		turns = append(turns, &t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

// Reset rewrites the log with only the kept turns, using a rename so a
// crash mid-reset leaves either the old or the new log, never a mix.
func (l *FileLog) Reset(_ context.Context, keep []*model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, t := range keep {
		raw, err := json.Marshal(t)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

var _ registrywal.DurableLog = (*FileLog)(nil)
