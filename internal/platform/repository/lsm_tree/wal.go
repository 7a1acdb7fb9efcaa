package lsm_tree

import (
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SyncPolicy selects the WAL durability mode.
type SyncPolicy uint8

const (
	// SyncEveryWrite fsyncs before the append returns.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs from a background goroutine; appends return after
	// the buffered write.
	SyncInterval
	// SyncNone relies on the OS to flush.
	SyncNone
)

// ParseSyncPolicy maps the config flag values to a policy.
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch s {
	case "sync":
		return SyncEveryWrite, nil
	case "interval":
		return SyncInterval, nil
	case "none":
		return SyncNone, nil
	}
	return 0, fmt.Errorf("unknown sync policy %q", s)
}

const (
	walFilePrefix = "wal-"
	walFileSuffix = ".log"
)

func walFileName(dir string, epoch uint64) string {
	return path.Join(dir, fmt.Sprintf("%s%d%s", walFilePrefix, epoch, walFileSuffix))
}

func parseWALFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, walFilePrefix) || !strings.HasSuffix(name, walFileSuffix) {
		return 0, false
	}
	epoch, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, walFilePrefix), walFileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}

// WAL is a single append-only file per epoch. Rotation closes the current
// epoch and opens the next; the engine deletes obsolete epochs once their
// records are durable in an SSTable.
type WAL struct {
	mu     sync.Mutex
	fd     *os.File
	dir    string
	path   string
	epoch  uint64
	offset int64
	policy SyncPolicy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenWAL creates the epoch file and, under SyncInterval, starts the
// background sync goroutine.
func OpenWAL(dir string, epoch uint64, policy SyncPolicy, interval time.Duration) (*WAL, error) {
	name := walFileName(dir, epoch)
	fd, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", name, err)
	}
	w := &WAL{
		fd:     fd,
		dir:    dir,
		path:   name,
		epoch:  epoch,
		policy: policy,
		stopCh: make(chan struct{}),
	}
	if policy == SyncInterval {
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		w.wg.Add(1)
		go w.syncLoop(interval)
	}
	return w, nil
}

func (w *WAL) syncLoop(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				log.Println("WAL background sync failed:", err)
			}
		case <-w.stopCh:
			return
		}
	}
}

// Append writes one framed record and returns its starting offset. Under
// SyncEveryWrite the record is fsynced before returning.
func (w *WAL) Append(rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd == nil {
		return 0, os.ErrClosed
	}
	start := w.offset
	n, err := WriteRecord(w.fd, rec)
	w.offset += int64(n)
	if err != nil {
		return start, err
	}
	if w.policy == SyncEveryWrite {
		if err := w.fd.Sync(); err != nil {
			return start, fmt.Errorf("wal sync: %w", err)
		}
	}
	return start, nil
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd == nil {
		return nil
	}
	return w.fd.Sync()
}

// Rotate closes the current epoch file and opens the next one. It returns
// the path of the closed epoch so the caller can delete it after flush.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd == nil {
		return "", os.ErrClosed
	}
	if err := w.fd.Sync(); err != nil {
		return "", fmt.Errorf("wal sync before rotate: %w", err)
	}
	if err := w.fd.Close(); err != nil {
		return "", fmt.Errorf("wal close before rotate: %w", err)
	}
	oldPath := w.path
	w.epoch++
	w.path = walFileName(w.dir, w.epoch)
	fd, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		w.fd = nil
		return oldPath, fmt.Errorf("open wal %s: %w", w.path, err)
	}
	w.fd = fd
	w.offset = 0
	return oldPath, nil
}

func (w *WAL) Epoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

func (w *WAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd == nil {
		return nil
	}
	syncErr := w.fd.Sync()
	closeErr := w.fd.Close()
	w.fd = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// ReplayWALDir replays every epoch file in dir in epoch order and calls
// visit for each record in the order written. A short or corrupt tail on the
// newest epoch is truncated at the last good record and replay succeeds.
// It returns the highest sequence seen, the highest epoch present, and the
// replayed file paths (oldest first).
func ReplayWALDir(dir string, visit func(Record) error) (maxSeq uint64, maxEpoch uint64, replayed []string, err error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("read wal dir %s: %w", dir, err)
	}
	epochs := make([]uint64, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if epoch, ok := parseWALFileName(f.Name()); ok {
			epochs = append(epochs, epoch)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	for i, epoch := range epochs {
		name := walFileName(dir, epoch)
		fd, err := os.Open(name)
		if err != nil {
			return maxSeq, 0, replayed, fmt.Errorf("open wal %s for replay: %w", name, err)
		}
		goodOffset, readErr := ReadAllRecords(fd, func(rec Record) error {
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
			return visit(rec)
		})
		fd.Close()
		if readErr != nil {
			return maxSeq, 0, replayed, readErr
		}
		if info, statErr := os.Stat(name); statErr == nil && info.Size() > goodOffset {
			// Torn tail. Only the newest epoch may legitimately carry one.
			if i < len(epochs)-1 {
				log.Printf("WAL %s has garbage after offset %d but is not the newest epoch", name, goodOffset)
			}
			if truncErr := os.Truncate(name, goodOffset); truncErr != nil {
				return maxSeq, 0, replayed, fmt.Errorf("truncate wal tail %s: %w", name, truncErr)
			}
			log.Printf("Truncated WAL %s at last good record (offset %d)", name, goodOffset)
		}
		replayed = append(replayed, name)
		maxEpoch = epoch
	}
	return maxSeq, maxEpoch, replayed, nil
}
