package lsm_tree

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
)

// Replicator forwards committed records to the backup. Enqueue is called
// with the engine mutex held and does not wait for the ACK, though it may
// block while the replicator's pending window is full; the returned future
// blocks until the backup acknowledged the record (sync-sync mode).
type Replicator interface {
	Enqueue(rec Record) (AckFuture, error)
}

type AckFuture interface {
	Wait() error
}

type EngineOptions struct {
	Dir           string
	MemtableLimit int
	SyncPolicy    SyncPolicy
	SyncInterval  time.Duration
	BlockSize     int
	// Replicator is nil on standalone and backup nodes.
	Replicator Replicator
	// CompactionThreshold triggers a level-0 merge once the table count
	// exceeds it. Zero disables compaction.
	CompactionThreshold int
	Metrics             *metrics.Registry
}

// Engine orchestrates the WAL, the memtables and the level-0 SSTable set.
//
// The engine mutex serializes sequence allocation, WAL appends and memtable
// mutation, so sequence numbers reflect write order. The level-0 set has its
// own lock, held only to swap tables in after a flush.
type Engine struct {
	opts EngineOptions

	mu           sync.Mutex
	seq          uint64
	mem          *Memtable
	imm          *Memtable
	wal          *WAL
	readOnly     bool
	obsoleteWALs []string

	tablesMu sync.RWMutex
	tables   []*SSTReader // newest first
	retired  []*SSTReader // replaced by compaction, closed on engine Close

	flushCh chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
	closed  sync.Once
}

// OpenEngine scans the data directory, loads the SSTables newest first,
// replays the WAL into a fresh memtable and opens a new WAL epoch.
func OpenEngine(opts EngineOptions) (*Engine, error) {
	if opts.MemtableLimit <= 0 {
		opts.MemtableLimit = 4 << 20
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", opts.Dir, err)
	}

	e := &Engine{
		opts:    opts,
		mem:     NewMemtable(),
		flushCh: make(chan struct{}, 1),
		closing: make(chan struct{}),
	}

	if err := e.loadTables(); err != nil {
		return nil, err
	}
	for _, t := range e.tables {
		if t.CreateSeq() > e.seq {
			e.seq = t.CreateSeq()
		}
	}

	maxSeq, maxEpoch, replayed, err := ReplayWALDir(opts.Dir, func(rec Record) error {
		e.mem.Set(entryFromRecord(rec))
		return nil
	})
	if err != nil {
		e.closeTables()
		return nil, fmt.Errorf("wal replay: %w", err)
	}
	if maxSeq > e.seq {
		e.seq = maxSeq
	}
	e.obsoleteWALs = replayed

	wal, err := OpenWAL(opts.Dir, maxEpoch+1, opts.SyncPolicy, opts.SyncInterval)
	if err != nil {
		e.closeTables()
		return nil, err
	}
	e.wal = wal

	e.wg.Add(1)
	go e.flushWorker()

	e.mu.Lock()
	e.maybeSealLocked()
	e.mu.Unlock()

	log.Printf("Engine opened: dir=%s tables=%d replayed_entries=%d next_seq=%d",
		opts.Dir, len(e.tables), e.mem.Len(), e.seq+1)
	return e, nil
}

func (e *Engine) loadTables() error {
	files, err := os.ReadDir(e.opts.Dir)
	if err != nil {
		return fmt.Errorf("read data dir %s: %w", e.opts.Dir, err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if _, ok := parseSSTFileName(f.Name()); !ok {
			continue
		}
		reader, err := OpenSST(sstFileName(e.opts.Dir, mustParseSST(f.Name())))
		if err != nil {
			e.closeTables()
			return fmt.Errorf("open sstable %s: %w", f.Name(), err)
		}
		e.tables = append(e.tables, reader)
	}
	sort.Slice(e.tables, func(i, j int) bool {
		return e.tables[i].CreateSeq() > e.tables[j].CreateSeq()
	})
	return nil
}

func mustParseSST(name string) uint64 {
	createSeq, _ := parseSSTFileName(name)
	return createSeq
}

func (e *Engine) closeTables() {
	for _, t := range e.tables {
		t.Close()
	}
	for _, t := range e.retired {
		t.Close()
	}
}

// Put writes a key-value pair. The call returns once the WAL durability
// policy is met and, when a replicator is configured, once the backup
// acknowledged the op.
func (e *Engine) Put(key, value string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	if err := domain.ValidateValue(value); err != nil {
		return err
	}
	fut, err := e.apply(domain.EntryTypePut, key, value)
	if err != nil {
		return err
	}
	return waitAck(fut)
}

// Delete records a tombstone for key. Deleting an absent key succeeds.
func (e *Engine) Delete(key string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	fut, err := e.apply(domain.EntryTypeDelete, key, "")
	if err != nil {
		return err
	}
	return waitAck(fut)
}

func (e *Engine) apply(entryType domain.EntryType, key, value string) (AckFuture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly {
		return nil, domain.ErrReadOnly
	}
	e.seq++
	entry := domain.NewEntry(key, value, entryType == domain.EntryTypeDelete, e.seq)
	rec := recordFromEntry(entry)
	if _, err := e.wal.Append(rec); err != nil {
		e.readOnly = true
		log.Println("WAL append failed, engine is now read-only:", err)
		return nil, fmt.Errorf("wal append: %w", err)
	}
	e.mem.Set(entry)
	var fut AckFuture
	if e.opts.Replicator != nil {
		var err error
		fut, err = e.opts.Replicator.Enqueue(rec)
		if err != nil {
			e.maybeSealLocked()
			return nil, err
		}
	}
	if m := e.opts.Metrics; m != nil {
		m.EngineWritesTotal.WithLabelValues(opLabel(entryType)).Inc()
		m.EngineMemtableBytes.Set(float64(e.mem.ApproximateBytes()))
	}
	e.maybeSealLocked()
	return fut, nil
}

func opLabel(t domain.EntryType) string {
	if t == domain.EntryTypeDelete {
		return "delete"
	}
	return "put"
}

func waitAck(fut AckFuture) error {
	if fut == nil {
		return nil
	}
	return fut.Wait()
}

// BatchPut writes each entry as its own WAL record, in order, and returns
// the number written. Entries already appended stay durable even when a
// later entry fails, so a crash mid-batch can leave a prefix of the batch.
func (e *Engine) BatchPut(entries []domain.KeyValue) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: empty batch", domain.ErrValidation)
	}
	for _, kv := range entries {
		if err := domain.ValidateKey(kv.Key); err != nil {
			return 0, err
		}
		if err := domain.ValidateValue(kv.Value); err != nil {
			return 0, err
		}
	}

	futures := make([]AckFuture, 0, len(entries))
	e.mu.Lock()
	if e.readOnly {
		e.mu.Unlock()
		return 0, domain.ErrReadOnly
	}
	written := 0
	for _, kv := range entries {
		e.seq++
		entry := domain.NewEntry(kv.Key, kv.Value, false, e.seq)
		rec := recordFromEntry(entry)
		if _, err := e.wal.Append(rec); err != nil {
			e.readOnly = true
			e.mu.Unlock()
			log.Println("WAL append failed, engine is now read-only:", err)
			return written, fmt.Errorf("wal append: %w", err)
		}
		e.mem.Set(entry)
		written++
		if e.opts.Replicator != nil {
			fut, err := e.opts.Replicator.Enqueue(rec)
			if err != nil {
				e.maybeSealLocked()
				e.mu.Unlock()
				return written, err
			}
			futures = append(futures, fut)
		}
		if m := e.opts.Metrics; m != nil {
			m.EngineWritesTotal.WithLabelValues("put").Inc()
		}
	}
	if m := e.opts.Metrics; m != nil {
		m.EngineMemtableBytes.Set(float64(e.mem.ApproximateBytes()))
	}
	e.maybeSealLocked()
	e.mu.Unlock()

	for _, fut := range futures {
		if err := fut.Wait(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Get probes the active memtable, the sealed memtable and the SSTables
// newest first. A tombstone anywhere on that path means not found.
func (e *Engine) Get(key string) (string, error) {
	if err := domain.ValidateKey(key); err != nil {
		return "", err
	}
	e.mu.Lock()
	mem, imm := e.mem, e.imm
	e.mu.Unlock()

	for _, mt := range []*Memtable{mem, imm} {
		if mt == nil {
			continue
		}
		if entry, found := mt.Get(key); found {
			if entry.Tombstone() {
				return "", domain.ErrNotFound
			}
			return entry.Value(), nil
		}
	}

	e.tablesMu.RLock()
	tables := make([]*SSTReader, len(e.tables))
	copy(tables, e.tables)
	e.tablesMu.RUnlock()

	for _, t := range tables {
		entry, found, err := t.Get(key)
		if err != nil {
			return "", err
		}
		if found {
			if entry.Tombstone() {
				return "", domain.ErrNotFound
			}
			return entry.Value(), nil
		}
	}
	return "", domain.ErrNotFound
}

// ReadKeyRange returns an ordered iterator over the live keys in
// [start, end] inclusive. limit <= 0 means unlimited. A start above end
// yields an empty iterator.
func (e *Engine) ReadKeyRange(start, end string, limit int) (Iterator, error) {
	if err := domain.ValidateKey(start); err != nil {
		return nil, err
	}
	if err := domain.ValidateKey(end); err != nil {
		return nil, err
	}
	if start > end {
		return emptyIterator{}, nil
	}

	e.mu.Lock()
	mem, imm := e.mem, e.imm
	e.mu.Unlock()
	e.tablesMu.RLock()
	tables := make([]*SSTReader, len(e.tables))
	copy(tables, e.tables)
	e.tablesMu.RUnlock()

	sources := make([]Iterator, 0, len(tables)+2)
	sources = append(sources, mem.Scan(start, end))
	if imm != nil {
		sources = append(sources, imm.Scan(start, end))
	}
	for _, t := range tables {
		sources = append(sources, t.Scan(start, end))
	}
	return NewMergeIterator(sources, end, limit), nil
}

// ApplyReplicated applies an op received from the primary, reusing the
// primary's sequence number so the backup's counter follows it.
func (e *Engine) ApplyReplicated(rec Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly {
		return domain.ErrReadOnly
	}
	if _, err := e.wal.Append(rec); err != nil {
		e.readOnly = true
		log.Println("WAL append failed, engine is now read-only:", err)
		return fmt.Errorf("wal append: %w", err)
	}
	e.mem.Set(entryFromRecord(rec))
	if rec.Seq > e.seq {
		e.seq = rec.Seq
	}
	if m := e.opts.Metrics; m != nil {
		m.EngineMemtableBytes.Set(float64(e.mem.ApproximateBytes()))
	}
	e.maybeSealLocked()
	return nil
}

// CurrentSeq reports the highest sequence number assigned or applied.
func (e *Engine) CurrentSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// maybeSealLocked rotates the memtable and WAL epoch once the size limit is
// reached. Requires e.mu. While a flush is in progress the active memtable
// keeps absorbing writes; the worker re-checks after the flush lands.
func (e *Engine) maybeSealLocked() {
	if e.mem.ApproximateBytes() < e.opts.MemtableLimit || e.imm != nil {
		return
	}
	oldPath, err := e.wal.Rotate()
	if err != nil {
		log.Println("WAL rotate failed, delaying memtable seal:", err)
		return
	}
	e.mem.Seal()
	e.imm = e.mem
	e.mem = NewMemtable()
	e.obsoleteWALs = append(e.obsoleteWALs, oldPath)
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closing:
			return
		case <-e.flushCh:
			if err := e.flushImmutable(); err != nil {
				log.Println("Flush failed, will retry:", err)
				time.Sleep(time.Second)
				select {
				case e.flushCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// flushImmutable drains the sealed memtable into a new SSTable, installs it
// at the newest position and deletes the WAL epochs it covers.
func (e *Engine) flushImmutable() error {
	e.mu.Lock()
	imm := e.imm
	obsolete := e.obsoleteWALs
	e.mu.Unlock()
	if imm == nil {
		return nil
	}

	reader, err := e.writeTable(imm)
	if err != nil {
		return err
	}

	e.tablesMu.Lock()
	e.tables = append([]*SSTReader{reader}, e.tables...)
	tableCount := len(e.tables)
	e.tablesMu.Unlock()

	e.mu.Lock()
	e.imm = nil
	e.obsoleteWALs = nil
	e.mu.Unlock()

	for _, path := range obsolete {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Println("Could not remove obsolete WAL epoch:", err)
		}
	}
	if m := e.opts.Metrics; m != nil {
		m.EngineFlushesTotal.Inc()
		m.EngineSSTables.Set(float64(tableCount))
		m.EngineMemtableBytes.Set(float64(e.MemtableBytes()))
	}
	log.Printf("Flushed memtable to %s (%d entries, %d tables)", reader.Path(), imm.Len(), tableCount)

	if e.opts.CompactionThreshold > 0 && tableCount > e.opts.CompactionThreshold {
		if err := e.CompactLevel0(); err != nil {
			log.Println("Level-0 compaction failed:", err)
		}
	}

	e.mu.Lock()
	e.maybeSealLocked()
	e.mu.Unlock()
	return nil
}

func (e *Engine) writeTable(mt *Memtable) (*SSTReader, error) {
	writer, err := NewSSTWriter(e.opts.Dir, mt.MaxSeq(), e.opts.BlockSize)
	if err != nil {
		return nil, err
	}
	iter := mt.Scan("", "")
	defer iter.Close()
	for iter.Next() {
		if err := writer.Add(iter.At()); err != nil {
			writer.abort()
			return nil, err
		}
	}
	return writer.Finish()
}

// MemtableBytes reports the active memtable footprint.
func (e *Engine) MemtableBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.ApproximateBytes()
}

// TableCount reports the size of the level-0 set.
func (e *Engine) TableCount() int {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	return len(e.tables)
}

// Close stops the flush worker, fsyncs the WAL and closes every table. Any
// memtable contents not yet flushed stay recoverable through WAL replay.
func (e *Engine) Close() error {
	var firstErr error
	e.closed.Do(func() {
		close(e.closing)
		e.wg.Wait()
		if err := e.wal.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.tablesMu.Lock()
		e.closeTables()
		e.tables = nil
		e.retired = nil
		e.tablesMu.Unlock()
	})
	return firstErr
}
