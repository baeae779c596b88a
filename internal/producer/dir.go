package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// DirSource 监听目录，外部推理进程每渲染一帧就写入一个文件。
// 超过 MaxFPS 时只保留最新的文件。
type DirSource struct {
	dir     string
	exts    map[string]struct{}
	limiter *rate.Limiter
}

func NewDirSource(cfg Config) (*DirSource, error) {
	if cfg.Source == "" {
		return nil, errors.New("dir producer requires a source directory")
	}
	info, err := os.Stat(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("dir producer: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dir producer: %s is not a directory", cfg.Source)
	}

	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}

	return &DirSource{
		dir:     cfg.Source,
		exts:    exts,
		limiter: newLimiter(cfg.MaxFPS),
	}, nil
}

func (d *DirSource) Run(ctx context.Context, emit func([]byte)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	slog.Info("watching frame directory", "dir", d.dir)

	var (
		pending string
		fire    <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !d.accepts(ev.Name) {
				continue
			}
			pending = ev.Name
			if fire == nil {
				fire = time.After(d.limiter.Reserve().Delay())
			}

		case <-fire:
			fire = nil
			path := pending
			pending = ""
			data, err := os.ReadFile(path)
			if err != nil {
				// 文件可能已被外部进程删除
				slog.Debug("skip unreadable frame file", "path", path, "error", err)
				continue
			}
			if len(data) > 0 {
				emit(data)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			slog.Warn("frame directory watcher error", "error", err)
		}
	}
}

func (d *DirSource) accepts(path string) bool {
	if len(d.exts) == 0 {
		return true
	}
	_, ok := d.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func newLimiter(fps float64) *rate.Limiter {
	if fps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(fps), 1)
}
