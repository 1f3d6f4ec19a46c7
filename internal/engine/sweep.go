package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sweepTempFiles periodically removes stale scratch files left behind by
// interrupted status saves. Housekeeping only; the pipeline does not depend
// on it for correctness.
func (e *Engine) sweepTempFiles(ctx context.Context) {
	if e.opts.TempDir == "" || e.opts.TempSweepTick <= 0 {
		return
	}

	ticker := time.NewTicker(e.opts.TempSweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepTempOnce(e.clock())
		}
	}
}

func (e *Engine) sweepTempOnce(now time.Time) {
	entries, err := os.ReadDir(e.opts.TempDir)
	if err != nil {
		e.logger.Debug("temp sweep read failed", "dir", e.opts.TempDir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "status-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < e.opts.TempSweepAge {
			continue
		}
		path := filepath.Join(e.opts.TempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			e.logger.Debug("temp sweep remove failed", "path", path, "error", err)
		}
	}
}
