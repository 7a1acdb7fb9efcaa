package lsm_tree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path"
	"sort"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// SSTReader serves point lookups and range scans from one immutable table.
// The index block is held in memory; data blocks are read on demand. Readers
// are safe for concurrent use once opened.
type SSTReader struct {
	fd        *os.File
	path      string
	createSeq uint64
	index     []sstIndexEntry
}

func OpenSST(filePath string) (*SSTReader, error) {
	createSeq, ok := parseSSTFileName(path.Base(filePath))
	if !ok {
		return nil, fmt.Errorf("not an sstable file name: %s", filePath)
	}
	fd, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open sstable %s: %w", filePath, err)
	}
	r := &SSTReader{fd: fd, path: filePath, createSeq: createSeq}
	if err := r.readIndex(); err != nil {
		fd.Close()
		return nil, err
	}
	return r, nil
}

func (r *SSTReader) readIndex() error {
	info, err := r.fd.Stat()
	if err != nil {
		return err
	}
	if info.Size() < sstFooterLen {
		return fmt.Errorf("%w: sstable %s shorter than footer", domain.ErrCorruption, r.path)
	}
	footer := make([]byte, sstFooterLen)
	if _, err := r.fd.ReadAt(footer, info.Size()-sstFooterLen); err != nil {
		return fmt.Errorf("read sstable footer: %w", err)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	indexLen := binary.LittleEndian.Uint32(footer[8:12])
	magic := binary.LittleEndian.Uint64(footer[12:20])
	version := binary.LittleEndian.Uint32(footer[20:24])
	if magic != sstMagicNumber {
		return fmt.Errorf("%w: bad magic in %s", domain.ErrCorruption, r.path)
	}
	if version != sstFormatVersion {
		return fmt.Errorf("unsupported sstable format version %d in %s", version, r.path)
	}

	buf := make([]byte, indexLen+4)
	if _, err := r.fd.ReadAt(buf, int64(indexOffset)); err != nil {
		return fmt.Errorf("read sstable index: %w", err)
	}
	indexData := buf[:indexLen]
	crc := binary.LittleEndian.Uint32(buf[indexLen:])
	if crc32.Checksum(indexData, castagnoli) != crc {
		return fmt.Errorf("%w: index checksum mismatch in %s", domain.ErrCorruption, r.path)
	}

	for len(indexData) > 0 {
		if len(indexData) < 4 {
			return fmt.Errorf("%w: truncated index entry in %s", domain.ErrCorruption, r.path)
		}
		keyLen := binary.LittleEndian.Uint32(indexData)
		indexData = indexData[4:]
		if uint32(len(indexData)) < keyLen+12 {
			return fmt.Errorf("%w: truncated index entry in %s", domain.ErrCorruption, r.path)
		}
		entry := sstIndexEntry{
			firstKey: string(indexData[:keyLen]),
			offset:   binary.LittleEndian.Uint64(indexData[keyLen:]),
			length:   binary.LittleEndian.Uint32(indexData[keyLen+8:]),
		}
		r.index = append(r.index, entry)
		indexData = indexData[keyLen+12:]
	}
	return nil
}

func (r *SSTReader) CreateSeq() uint64 { return r.createSeq }

func (r *SSTReader) Path() string { return r.path }

func (r *SSTReader) Close() error {
	if r.fd == nil {
		return nil
	}
	err := r.fd.Close()
	r.fd = nil
	return err
}

// candidateBlock returns the index of the block whose first key <= key and
// whose successor's first key > key, or -1 when key sorts below the table.
func (r *SSTReader) candidateBlock(key string) int {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].firstKey > key })
	return i - 1
}

func (r *SSTReader) readBlock(i int) ([]byte, error) {
	e := r.index[i]
	buf := make([]byte, e.length+4)
	if _, err := r.fd.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, fmt.Errorf("read sstable block at %d: %w", e.offset, err)
	}
	data := buf[:e.length]
	crc := binary.LittleEndian.Uint32(buf[e.length:])
	if crc32.Checksum(data, castagnoli) != crc {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d in %s", domain.ErrCorruption, e.offset, r.path)
	}
	return data, nil
}

// Get performs a point lookup. A tombstone is reported with found=true; the
// caller interprets it as absence.
func (r *SSTReader) Get(key string) (entry domain.Entry, found bool, err error) {
	i := r.candidateBlock(key)
	if i < 0 {
		return domain.Entry{}, false, nil
	}
	data, err := r.readBlock(i)
	if err != nil {
		return domain.Entry{}, false, err
	}
	it := newBlockIterator(data)
	for it.Next() {
		e := it.At()
		if e.Key() == key {
			return e, true, nil
		}
		if e.Key() > key {
			break
		}
	}
	return domain.Entry{}, false, it.Error()
}

// Scan yields entries in [start, end] inclusive. An empty end means no upper
// bound.
func (r *SSTReader) Scan(start, end string) Iterator {
	startBlock := 0
	if start != "" {
		if i := r.candidateBlock(start); i > 0 {
			startBlock = i
		}
	}
	return &sstScanIterator{reader: r, blockIdx: startBlock, start: start, end: end}
}

type sstScanIterator struct {
	reader   *SSTReader
	blockIdx int
	block    *blockIterator
	start    string
	end      string
	done     bool
	err      error
}

func (it *sstScanIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		if it.block == nil {
			if it.blockIdx >= len(it.reader.index) {
				it.done = true
				return false
			}
			if it.end != "" && it.reader.index[it.blockIdx].firstKey > it.end {
				it.done = true
				return false
			}
			data, err := it.reader.readBlock(it.blockIdx)
			if err != nil {
				it.err = err
				return false
			}
			it.block = newBlockIterator(data)
		}
		if !it.block.Next() {
			if err := it.block.Error(); err != nil {
				it.err = err
				return false
			}
			it.block = nil
			it.blockIdx++
			continue
		}
		e := it.block.At()
		if it.start != "" && e.Key() < it.start {
			continue
		}
		if it.end != "" && e.Key() > it.end {
			it.done = true
			return false
		}
		return true
	}
}

func (it *sstScanIterator) At() domain.Entry {
	return it.block.At()
}

func (it *sstScanIterator) Error() error { return it.err }

func (it *sstScanIterator) Close() error { return nil }

// blockIterator decodes the entries of one data block in order, undoing the
// restart-prefix compression.
type blockIterator struct {
	entries []byte
	pos     int
	prevKey string

	key       string
	value     string
	entryType domain.EntryType
	seq       uint64
	err       error
}

func newBlockIterator(blockData []byte) *blockIterator {
	it := &blockIterator{}
	if len(blockData) < 4 {
		it.err = fmt.Errorf("%w: block shorter than restart trailer", domain.ErrCorruption)
		return it
	}
	numRestarts := binary.LittleEndian.Uint32(blockData[len(blockData)-4:])
	trailer := int(numRestarts)*4 + 4
	if len(blockData) < trailer {
		it.err = fmt.Errorf("%w: block shorter than %d restart offsets", domain.ErrCorruption, numRestarts)
		return it
	}
	it.entries = blockData[:len(blockData)-trailer]
	return it
}

func (it *blockIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.entries) {
		return false
	}
	rest := it.entries[it.pos:]
	if len(rest) < sstBlockHeaderLen {
		it.err = fmt.Errorf("%w: truncated block entry header", domain.ErrCorruption)
		return false
	}
	shared := int(binary.LittleEndian.Uint16(rest[0:2]))
	unshared := int(binary.LittleEndian.Uint16(rest[2:4]))
	valueLen := int(binary.LittleEndian.Uint32(rest[4:8]))
	entryType := domain.EntryType(rest[8])
	seq := binary.LittleEndian.Uint64(rest[9:17])
	rest = rest[sstBlockHeaderLen:]
	if len(rest) < unshared+valueLen {
		it.err = fmt.Errorf("%w: truncated block entry body", domain.ErrCorruption)
		return false
	}
	if shared > len(it.prevKey) {
		it.err = fmt.Errorf("%w: shared prefix %d exceeds previous key", domain.ErrCorruption, shared)
		return false
	}
	it.key = it.prevKey[:shared] + string(rest[:unshared])
	it.value = string(rest[unshared : unshared+valueLen])
	it.entryType = entryType
	it.seq = seq
	it.prevKey = it.key
	it.pos += sstBlockHeaderLen + unshared + valueLen
	return true
}

func (it *blockIterator) At() domain.Entry {
	return domain.NewEntry(it.key, it.value, it.entryType == domain.EntryTypeDelete, it.seq)
}

func (it *blockIterator) Error() error { return it.err }
