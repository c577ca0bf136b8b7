package indexsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	watchDebounceInterval = 150 * time.Millisecond
	batchFileExt          = ".json"
	rejectedFileExt       = ".rejected"
	// spoolParseAttempts is how many passes a batch file may fail to parse
	// before it is set aside.
	spoolParseAttempts = 2
)

// spoolOutcome is what happened to one batch file.
type spoolOutcome int

const (
	spoolDone spoolOutcome = iota
	spoolRetry
	spoolRejected
)

// DrainSpool processes every batch file currently in the spool directory and
// returns the names left in place for redelivery.
func (s *Syncer) DrainSpool(ctx context.Context) ([]string, error) {
	names, err := s.listSpool()
	if err != nil {
		return nil, err
	}
	return s.processSpoolFiles(ctx, names)
}

// WatchSpool drains the spool directory and then watches it, processing new
// batch files once filesystem events settle. Files whose batches ask for a
// retry stay in place and are attempted again after SpoolRetry.
//
// Producers should write a batch under a name without the .json extension and
// rename it into place once complete. A .json file that does not parse is
// given one more pass before it is renamed to .json.rejected.
func (s *Syncer) WatchSpool(ctx context.Context) error {
	logger := s.loggerOrDefault()
	dir := s.opts.SpoolDir
	if dir == "" {
		return errors.New("spool directory is not configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch spool %s: %w", dir, err)
	}
	logger.Info("Watch mode active", "spool", dir, "debounce", watchDebounceInterval.String())

	pending := make(map[string]struct{})
	var debounceTimer *time.Timer
	var retryTimer *time.Timer

	leftover, err := s.DrainSpool(ctx)
	if err != nil {
		return err
	}
	if len(leftover) > 0 {
		scheduleRetry(&retryTimer, s.spoolRetry())
	}

	for {
		var debounceC, retryC <-chan time.Time
		if debounceTimer != nil {
			debounceC = debounceTimer.C
		}
		if retryTimer != nil {
			retryC = retryTimer.C
		}

		select {
		case <-ctx.Done():
			logger.Info("Stopping watch mode", "reason", ctx.Err())
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !shouldTriggerSync(event.Op) || !isBatchFile(event.Name) {
				continue
			}
			pending[filepath.Base(event.Name)] = struct{}{}
			scheduleSync(&debounceTimer)
		case err, ok := <-watcher.Errors:
			if !ok || err == nil {
				continue
			}
			logger.Error("Watcher error", "error", err)
		case <-debounceC:
			stopTimer(&debounceTimer)
			if len(pending) == 0 {
				continue
			}
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			sort.Strings(names)
			pending = make(map[string]struct{})

			leftover, err := s.processSpoolFiles(ctx, names)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Error("Spool processing failed", "error", err)
			}
			if len(leftover) > 0 && retryTimer == nil {
				scheduleRetry(&retryTimer, s.spoolRetry())
			}
		case <-retryC:
			stopTimer(&retryTimer)
			leftover, err := s.DrainSpool(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Error("Spool retry failed", "error", err)
			}
			if len(leftover) > 0 || err != nil {
				scheduleRetry(&retryTimer, s.spoolRetry())
			}
		}
	}
}

func (s *Syncer) spoolRetry() time.Duration {
	if s.opts.SpoolRetry > 0 {
		return s.opts.SpoolRetry
	}
	return defaultSpoolRetry
}

func (s *Syncer) listSpool() ([]string, error) {
	entries, err := s.fs.ReadDir(s.opts.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("list spool %s: %w", s.opts.SpoolDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isBatchFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// processSpoolFiles runs each named batch file as an independent batch.
// Files are distinct shards, so they run concurrently; records inside a file
// are never reordered.
func (s *Syncer) processSpoolFiles(ctx context.Context, names []string) ([]string, error) {
	logger := s.loggerOrDefault()
	limit := s.opts.SpoolConcurrency
	if limit <= 0 {
		limit = defaultSpoolConcurrency
	}

	var (
		mu       sync.Mutex
		leftover []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, name := range names {
		g.Go(func() error {
			outcome, err := s.processSpoolFile(gctx, name)
			if err != nil && errors.Is(err, context.Canceled) {
				return err
			}
			if outcome == spoolRetry {
				mu.Lock()
				leftover = append(leftover, name)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(leftover)
	logger.Debug("Processed spool files", "files", len(names), "left_for_retry", len(leftover))
	return leftover, err
}

func (s *Syncer) processSpoolFile(ctx context.Context, name string) (spoolOutcome, error) {
	logger := s.loggerOrDefault().With("file", name)
	path := filepath.Join(s.opts.SpoolDir, name)

	data, err := s.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.forgetUnparseable(name)
		return spoolDone, nil
	}
	if err != nil {
		logger.Warn("Failed to read batch file", "error", err)
		return spoolRetry, err
	}
	records, err := ParseBatch(data)
	if err != nil {
		if s.noteUnparseable(name) < spoolParseAttempts {
			logger.Warn("Batch file does not parse yet; retrying later", "error", err)
			return spoolRetry, err
		}
		s.forgetUnparseable(name)
		logger.Error("Rejected unparseable batch file", "error", err)
		if renameErr := s.fs.Rename(path, path+rejectedFileExt); renameErr != nil {
			logger.Error("Failed to set aside rejected batch", "error", renameErr)
		}
		return spoolRejected, err
	}
	s.forgetUnparseable(name)

	summary, err := s.ProcessBatch(ctx, records)
	if err != nil {
		logger.Warn("Batch left for redelivery", "unresolved", len(summary.Unresolved), "error", err)
		return spoolRetry, err
	}
	if err := s.fs.Remove(path); err != nil {
		logger.Error("Failed to remove processed batch file", "error", err)
	}
	return spoolDone, nil
}

// noteUnparseable records a failed parse of name and returns the number of
// consecutive failures.
func (s *Syncer) noteUnparseable(name string) int {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	if s.unparsed == nil {
		s.unparsed = make(map[string]int)
	}
	s.unparsed[name]++
	return s.unparsed[name]
}

func (s *Syncer) forgetUnparseable(name string) {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	delete(s.unparsed, name)
}

func isBatchFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), batchFileExt)
}

func shouldTriggerSync(op fsnotify.Op) bool {
	return op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0
}

func scheduleSync(timer **time.Timer) {
	scheduleRetry(timer, watchDebounceInterval)
}

func scheduleRetry(timer **time.Timer, d time.Duration) {
	if *timer == nil {
		*timer = time.NewTimer(d)
		return
	}
	if !(*timer).Stop() {
		select {
		case <-(*timer).C:
		default:
		}
	}
	(*timer).Reset(d)
}

func stopTimer(timer **time.Timer) {
	if *timer == nil {
		return
	}
	if !(*timer).Stop() {
		select {
		case <-(*timer).C:
		default:
		}
	}
	*timer = nil
}
