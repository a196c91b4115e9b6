package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/logs"
)

// Backup copies log files into a timestamped directory on a fixed
// interval. A failed cycle logs and waits for the next tick.
type Backup struct {
	logsDir   string
	backupDir string
	interval  time.Duration

	now func() time.Time
}

func NewBackup(logsDir, backupDir string, interval time.Duration) *Backup {
	return &Backup{
		logsDir:   logsDir,
		backupDir: backupDir,
		interval:  interval,
		now:       time.Now,
	}
}

// Run loops until the context is cancelled.
func (b *Backup) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Copy(); err != nil {
				logs.Errorf("log backup failed: %v", err)
			}
		}
	}
}

// Copy backs up *.log and *.log.gz files once and reports how many
// files were copied.
func (b *Backup) Copy() (int, error) {
	info, err := os.Stat(b.logsDir)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("log directory unavailable: %s", b.logsDir)
	}

	var files []string
	for _, pattern := range []string{"*.log", "*.log.gz"} {
		matches, err := filepath.Glob(filepath.Join(b.logsDir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return 0, nil
	}

	dest := filepath.Join(b.backupDir, b.now().Format("20060102_150405"))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}

	copied := 0
	for _, src := range files {
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			logs.Errorf("copy %s: %v", filepath.Base(src), err)
			continue
		}
		copied++
	}
	if copied > 0 {
		logs.Infof("backed up %d log file(s) to %s", copied, dest)
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
