package lsm_tree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// SSTWriter serializes an ordered, deduplicated run of entries into an
// SSTable file. The file is built under a .tmp name and renamed into place
// by Finish after an fsync.
type SSTWriter struct {
	fd        *os.File
	tmpPath   string
	finalPath string
	createSeq uint64
	blockSize int

	offset uint64
	index  []sstIndexEntry

	block         []byte
	restarts      []uint32
	blockEntries  int
	blockFirstKey string
	prevKey       string
	started       bool
	finished      bool
}

func NewSSTWriter(dir string, createSeq uint64, blockSize int) (*SSTWriter, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	finalPath := sstFileName(dir, createSeq)
	tmpPath := finalPath + ".tmp"
	fd, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create sstable %s: %w", tmpPath, err)
	}
	return &SSTWriter{
		fd:        fd,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		createSeq: createSeq,
		blockSize: blockSize,
	}, nil
}

// Add appends one entry. Keys must arrive in strictly ascending order; an
// out-of-order or duplicate key is a programmer error and fails the writer.
func (w *SSTWriter) Add(entry domain.Entry) error {
	key, value := entry.Key(), entry.Value()
	entryType, seq := entry.Type(), entry.Seq()
	if w.finished {
		return fmt.Errorf("sstable writer already finished")
	}
	if w.started && key <= w.prevKey {
		return fmt.Errorf("sstable writer: key %q not above previous key %q", key, w.prevKey)
	}

	entrySize := sstBlockHeaderLen + len(key) + len(value)
	if len(w.block) > 0 && len(w.block)+entrySize > w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	shared := 0
	if w.blockEntries%sstRestartEvery == 0 {
		w.restarts = append(w.restarts, uint32(len(w.block)))
	} else {
		shared = sharedPrefixLen(w.prevKey, key)
	}
	if len(w.block) == 0 {
		w.blockFirstKey = key
	}
	unshared := key[shared:]

	var head [sstBlockHeaderLen]byte
	binary.LittleEndian.PutUint16(head[0:], uint16(shared))
	binary.LittleEndian.PutUint16(head[2:], uint16(len(unshared)))
	binary.LittleEndian.PutUint32(head[4:], uint32(len(value)))
	head[8] = byte(entryType)
	binary.LittleEndian.PutUint64(head[9:], seq)
	w.block = append(w.block, head[:]...)
	w.block = append(w.block, unshared...)
	w.block = append(w.block, value...)

	w.blockEntries++
	w.prevKey = key
	w.started = true
	return nil
}

func (w *SSTWriter) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	for _, r := range w.restarts {
		w.block = binary.LittleEndian.AppendUint32(w.block, r)
	}
	w.block = binary.LittleEndian.AppendUint32(w.block, uint32(len(w.restarts)))

	crc := crc32.Checksum(w.block, castagnoli)
	framed := binary.LittleEndian.AppendUint32(w.block, crc)
	if _, err := w.fd.Write(framed); err != nil {
		return fmt.Errorf("write sstable block: %w", err)
	}

	w.index = append(w.index, sstIndexEntry{
		firstKey: w.blockFirstKey,
		offset:   w.offset,
		length:   uint32(len(w.block)),
	})
	w.offset += uint64(len(framed))

	w.block = w.block[:0]
	w.restarts = w.restarts[:0]
	w.blockEntries = 0
	w.blockFirstKey = ""
	return nil
}

// Finish flushes the pending block, writes the index and footer, fsyncs and
// renames the table into place. It returns an open reader for the table.
func (w *SSTWriter) Finish() (*SSTReader, error) {
	if w.finished {
		return nil, fmt.Errorf("sstable writer already finished")
	}
	w.finished = true
	if err := w.flushBlock(); err != nil {
		w.abort()
		return nil, err
	}

	indexOffset := w.offset
	var indexBuf []byte
	for _, e := range w.index {
		indexBuf = binary.LittleEndian.AppendUint32(indexBuf, uint32(len(e.firstKey)))
		indexBuf = append(indexBuf, e.firstKey...)
		indexBuf = binary.LittleEndian.AppendUint64(indexBuf, e.offset)
		indexBuf = binary.LittleEndian.AppendUint32(indexBuf, e.length)
	}
	indexCrc := crc32.Checksum(indexBuf, castagnoli)
	indexLen := uint32(len(indexBuf))
	indexBuf = binary.LittleEndian.AppendUint32(indexBuf, indexCrc)

	footer := make([]byte, 0, sstFooterLen)
	footer = binary.LittleEndian.AppendUint64(footer, indexOffset)
	footer = binary.LittleEndian.AppendUint32(footer, indexLen)
	footer = binary.LittleEndian.AppendUint64(footer, sstMagicNumber)
	footer = binary.LittleEndian.AppendUint32(footer, sstFormatVersion)

	if _, err := w.fd.Write(indexBuf); err != nil {
		w.abort()
		return nil, fmt.Errorf("write sstable index: %w", err)
	}
	if _, err := w.fd.Write(footer); err != nil {
		w.abort()
		return nil, fmt.Errorf("write sstable footer: %w", err)
	}
	if err := w.fd.Sync(); err != nil {
		w.abort()
		return nil, fmt.Errorf("sync sstable: %w", err)
	}
	if err := w.fd.Close(); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("close sstable: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("rename sstable into place: %w", err)
	}
	return OpenSST(w.finalPath)
}

func (w *SSTWriter) abort() {
	w.fd.Close()
	os.Remove(w.tmpPath)
}
