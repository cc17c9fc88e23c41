// Size-based log file rotation
//
// A long-running monitor writes its log to a file that rolls over to a
// timestamped backup once it passes a size limit. Old backups are pruned
// and optionally gzipped.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupLayout is the timestamp inserted between a log file's base name
// and extension, e.g. shockctl.20260304-140211.000.log.
const backupLayout = "20060102-150405.000"

// RotationConfig configures a RotatingFile.
type RotationConfig struct {
	// Path is the active log file.
	Path string

	// MaxSizeMB is the size in megabytes that triggers rotation (default 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default 5).
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFile is an append-only log file with size-based rotation. It
// implements zapcore.WriteSyncer.
type RotatingFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	compress   bool
	size       int64
	file       *os.File
	now        func() time.Time
}

// OpenRotatingFile opens (or creates) cfg.Path for appending.
func OpenRotatingFile(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	w := &RotatingFile{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file past the limit.
// A single oversized write still lands whole in a fresh file.
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName(w.now())
	if err := os.Rename(w.path, backup); err != nil {
		if oerr := w.open(); oerr != nil {
			return fmt.Errorf("%v (reopen: %w)", err, oerr)
		}
		return err
	}
	if w.compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "log: compress %s: %v\n", backup, err)
		}
	}
	w.prune()
	return w.open()
}

func (w *RotatingFile) backupName(at time.Time) string {
	ext := filepath.Ext(w.path)
	return strings.TrimSuffix(w.path, ext) + "." + at.Format(backupLayout) + ext
}

// Backups returns the rotated files, oldest first.
func (w *RotatingFile) Backups() []string {
	dir := filepath.Dir(w.path)
	ext := filepath.Ext(w.path)
	prefix := strings.TrimSuffix(filepath.Base(w.path), ext) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".gz")
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		if _, err := time.Parse(backupLayout, stamp); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	// the timestamp layout sorts lexically
	sort.Strings(out)
	return out
}

func (w *RotatingFile) prune() {
	backups := w.Backups()
	for len(backups) > w.maxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// Sync flushes the active file to disk.
func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the active file. Later writes fail with os.ErrClosed.
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Path returns the active log file path.
func (w *RotatingFile) Path() string { return w.path }

// Size returns the active file's size in bytes.
func (w *RotatingFile) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}
