package lsm_tree

import (
	"errors"
	"log"
	"os"
)

// CompactLevel0 merges every level-0 table into a single ordered table.
//
// The merged table keeps the newest version of each key and, because no
// older level exists beneath level-0, tombstones are dropped outright. The
// output reuses the newest table's createSeq so the rename lands atomically
// over it; the remaining inputs are deleted afterwards. Replaced readers are
// retired rather than closed, since concurrent scans may still hold them.
//
// The merge policy is deliberately the simplest one (all tables into one);
// the threshold that triggers it lives in EngineOptions and is off by
// default.
func (e *Engine) CompactLevel0() error {
	e.tablesMu.RLock()
	inputs := make([]*SSTReader, len(e.tables))
	copy(inputs, e.tables)
	e.tablesMu.RUnlock()
	if len(inputs) < 2 {
		return nil
	}

	createSeq := inputs[0].CreateSeq()
	writer, err := NewSSTWriter(e.opts.Dir, createSeq, e.opts.BlockSize)
	if err != nil {
		return err
	}

	sources := make([]Iterator, 0, len(inputs))
	for _, t := range inputs {
		sources = append(sources, t.Scan("", ""))
	}
	merged := NewMergeIterator(sources, "", 0)
	defer merged.Close()

	// The merge already dropped tombstones, so every surviving entry is a
	// live put.
	for merged.Next() {
		if err := writer.Add(merged.At()); err != nil {
			writer.abort()
			return err
		}
	}
	if err := merged.Error(); err != nil {
		writer.abort()
		return err
	}
	reader, err := writer.Finish()
	if err != nil {
		return err
	}

	e.tablesMu.Lock()
	// Tables flushed while the merge ran stay ahead of the merged output.
	var newer []*SSTReader
	for _, t := range e.tables {
		if t.CreateSeq() > createSeq {
			newer = append(newer, t)
		}
	}
	e.tables = append(newer, reader)
	e.retired = append(e.retired, inputs...)
	tableCount := len(e.tables)
	e.tablesMu.Unlock()

	for _, t := range inputs {
		if t.CreateSeq() == createSeq {
			continue // its file was atomically replaced by the rename
		}
		if err := os.Remove(t.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Println("Could not remove compacted sstable:", err)
		}
	}
	if m := e.opts.Metrics; m != nil {
		m.EngineCompactionsTotal.Inc()
		m.EngineSSTables.Set(float64(tableCount))
	}
	log.Printf("Compacted %d level-0 tables into %s", len(inputs), reader.Path())
	return nil
}
