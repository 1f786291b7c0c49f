package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"trading_bot/internal/core"
)

// FileExporter periodically writes the metrics snapshot to a JSON file so
// operators can inspect counters without a Prometheus scrape.
type FileExporter struct {
	path     string
	interval time.Duration
	logger   core.ILogger
}

// NewFileExporter creates an exporter writing to path every interval
func NewFileExporter(path string, interval time.Duration, logger core.ILogger) *FileExporter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &FileExporter{
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Run writes snapshots until the context is cancelled, then writes once more
func (e *FileExporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.write(); err != nil {
				e.logger.Warn("failed to write final metrics snapshot", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := e.write(); err != nil {
				e.logger.Warn("failed to write metrics snapshot", "error", err)
			}
		}
	}
}

func (e *FileExporter) write() error {
	snap := GetGlobalMetrics().Snapshot()
	snap["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return err
	}

	// Write-then-rename keeps readers from seeing a torn file.
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.path)
}
