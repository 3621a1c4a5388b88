package policy

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the policy file's modification time and hands freshly loaded
// snapshots to the apply callback. The callback owns the atomic swap (and any
// bookkeeping reset that goes with it); the watcher never mutates a snapshot
// and never blocks in-flight requests.
type Watcher struct {
	path    string
	apply   func(*Config)
	logger  *slog.Logger
	modTime time.Time
	current *Config
}

func NewWatcher(path string, initial *Config, apply func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, apply: apply, logger: logger, current: initial}
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}
	return w
}

// Run blocks until ctx is cancelled, checking the file on the configured
// reload interval. A reload that fails validation keeps the previous snapshot.
func (w *Watcher) Run(ctx context.Context) {
	for {
		interval := w.current.ReloadInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			w.checkOnce()
		}
	}
}

func (w *Watcher) checkOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("policy file stat failed", "path", w.path, "error", err)
		return
	}
	if !info.ModTime().After(w.modTime) {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		// Keep serving the previous snapshot; an operator mid-edit must not
		// take the supervisor down.
		w.logger.Error("policy reload failed, keeping previous snapshot", "path", w.path, "error", err)
		w.modTime = info.ModTime()
		return
	}
	w.modTime = info.ModTime()
	w.current = cfg
	w.apply(cfg)
	w.logger.Info("policy reloaded",
		"path", w.path,
		"chain_id", cfg.ChainID,
		"default_daily_cap_wei", cfg.DefaultDailyCapWei,
		"whitelist_rules", len(cfg.Whitelist),
	)
}
