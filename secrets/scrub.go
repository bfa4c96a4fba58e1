package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ruteri/webapp-instance-provisioning/common"
)

// minScrubLength is the shortest account identifier treated as secret
// material. Credentials are scrubbed whatever their length.
const minScrubLength = 4

// ScrubResult summarises one scrub pass.
type ScrubResult struct {
	Files        int
	LinesRemoved int
	FilesRemoved int
}

// Scrubber removes secret-bearing lines from transient files once the steps
// that needed them have finished. The runtime configuration artifact must
// never be registered: the application reads its credentials from it.
type Scrubber struct {
	mu    sync.Mutex
	paths []string
	log   *slog.Logger
}

// NewScrubber creates an empty scrubber.
func NewScrubber(log *slog.Logger) *Scrubber {
	return &Scrubber{log: log}
}

// Register adds a file to be scrubbed.
func (s *Scrubber) Register(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == path {
			return
		}
	}
	s.paths = append(s.paths, path)
}

// Paths returns the registered files.
func (s *Scrubber) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Scrub rewrites every registered file without the lines that contain any of
// values. A file left with no lines is removed. Missing files are skipped.
// Errors are collected per file; the pass is best effort.
func (s *Scrubber) Scrub(values []string) (ScrubResult, error) {
	var needles [][]byte
	for _, v := range values {
		if v != "" {
			needles = append(needles, []byte(v))
		}
	}

	var result ScrubResult
	var errs []error

	for _, path := range s.Paths() {
		removed, deleted, err := scrubFile(path, needles)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.log.Warn("Failed to scrub file", slog.String("path", path), "err", err)
			errs = append(errs, fmt.Errorf("scrubbing %s: %w", path, err))
			continue
		}
		result.Files++
		result.LinesRemoved += removed
		if deleted {
			result.FilesRemoved++
		}
	}

	s.log.Info("Scrubbed transient secret files",
		slog.Int("files", result.Files),
		slog.Int("lines_removed", result.LinesRemoved),
		slog.Int("files_removed", result.FilesRemoved))

	return result, errors.Join(errs...)
}

func scrubFile(path string, needles [][]byte) (int, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}

	var kept bytes.Buffer
	removed := 0
	keptLines := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if containsAny(line, needles) {
			removed++
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			keptLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}

	if keptLines == 0 {
		return removed, true, os.Remove(path)
	}
	if removed == 0 {
		return 0, false, nil
	}
	return removed, false, common.WriteFileAtomic(path, kept.Bytes(), info.Mode().Perm())
}

func containsAny(line []byte, needles [][]byte) bool {
	for _, n := range needles {
		if bytes.Contains(line, n) {
			return true
		}
	}
	return false
}
