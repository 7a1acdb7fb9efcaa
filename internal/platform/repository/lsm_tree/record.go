package lsm_tree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// Record is the framed unit shared by the WAL and the replication stream.
//
// Wire layout (little-endian):
//
//	[len:u32][crc32c:u32][type:u8][seq:u64][key_len:u32][key][value_len:u32][value]
//
// len excludes itself; the CRC covers everything after the CRC field.
type Record struct {
	Type  domain.EntryType
	Seq   uint64
	Key   string
	Value string
}

// ErrCorruptRecord marks a frame whose checksum did not match its payload.
// During WAL replay it is treated as end-of-log; during replication reads it
// is corruption.
var ErrCorruptRecord = errors.New("corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord appends the framed record to buf and returns the result.
func EncodeRecord(buf []byte, rec Record) []byte {
	payloadLen := 1 + 8 + 4 + len(rec.Key) + 4 + len(rec.Value)
	frameLen := 4 + payloadLen // crc + payload

	start := len(buf)
	buf = append(buf, make([]byte, 8+payloadLen)...)
	binary.LittleEndian.PutUint32(buf[start:], uint32(frameLen))

	p := start + 8
	buf[p] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[p+1:], rec.Seq)
	binary.LittleEndian.PutUint32(buf[p+9:], uint32(len(rec.Key)))
	copy(buf[p+13:], rec.Key)
	q := p + 13 + len(rec.Key)
	binary.LittleEndian.PutUint32(buf[q:], uint32(len(rec.Value)))
	copy(buf[q+4:], rec.Value)

	crc := crc32.Checksum(buf[p:], castagnoli)
	binary.LittleEndian.PutUint32(buf[start+4:], crc)
	return buf
}

// WriteRecord frames rec onto w and returns the number of bytes written.
func WriteRecord(w io.Writer, rec Record) (int, error) {
	frame := EncodeRecord(nil, rec)
	n, err := w.Write(frame)
	if err != nil {
		return n, fmt.Errorf("write record: %w", err)
	}
	return n, nil
}

// ReadRecord decodes one framed record from r.
//
// A clean end of stream returns io.EOF. A frame cut short mid-way returns
// io.ErrUnexpectedEOF, and a checksum mismatch returns ErrCorruptRecord;
// callers decide whether either terminates the stream or fails the read.
func ReadRecord(r io.Reader) (Record, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:4]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	frameLen := binary.LittleEndian.Uint32(head[:4])
	if frameLen < 4+recordPayloadMin || frameLen > recordFrameMax {
		return Record{}, fmt.Errorf("%w: implausible frame length %d", ErrCorruptRecord, frameLen)
	}
	if _, err := io.ReadFull(r, head[4:8]); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	crc := binary.LittleEndian.Uint32(head[4:8])

	payload := make([]byte, frameLen-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(payload, castagnoli) != crc {
		return Record{}, ErrCorruptRecord
	}
	return decodeRecordPayload(payload)
}

const (
	// type + seq + key_len + value_len
	recordPayloadMin = 1 + 8 + 4 + 4
	// A frame can never legitimately exceed the key and value caps plus
	// framing overhead.
	recordFrameMax = 4 + recordPayloadMin + domain.MaxKeyLen + domain.MaxValueLen
)

func decodeRecordPayload(payload []byte) (Record, error) {
	if len(payload) < recordPayloadMin {
		return Record{}, fmt.Errorf("%w: payload too short", ErrCorruptRecord)
	}
	rec := Record{
		Type: domain.EntryType(payload[0]),
		Seq:  binary.LittleEndian.Uint64(payload[1:9]),
	}
	if rec.Type != domain.EntryTypePut && rec.Type != domain.EntryTypeDelete {
		return Record{}, fmt.Errorf("%w: unknown record type %d", ErrCorruptRecord, payload[0])
	}
	keyLen := binary.LittleEndian.Uint32(payload[9:13])
	rest := payload[13:]
	if uint64(len(rest)) < uint64(keyLen)+4 {
		return Record{}, fmt.Errorf("%w: key length %d overruns payload", ErrCorruptRecord, keyLen)
	}
	rec.Key = string(rest[:keyLen])
	rest = rest[keyLen:]
	valueLen := binary.LittleEndian.Uint32(rest[:4])
	if uint32(len(rest[4:])) != valueLen {
		return Record{}, fmt.Errorf("%w: value length %d overruns payload", ErrCorruptRecord, valueLen)
	}
	rec.Value = string(rest[4 : 4+valueLen])
	return rec, nil
}

// ReadAllRecords drains r until a clean EOF, a short read, or a corrupt
// frame. Short reads and corruption end the stream without error; the
// returned offset is the byte position just past the last good record.
func ReadAllRecords(r io.Reader, visit func(Record) error) (int64, error) {
	var offset int64
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorruptRecord) {
				return offset, nil
			}
			return offset, err
		}
		if err := visit(rec); err != nil {
			return offset, err
		}
		offset += int64(8 + 1 + 8 + 4 + len(rec.Key) + 4 + len(rec.Value))
	}
}

// recordFromEntry and entryFromRecord convert between the domain shape and
// the wire shape.
func recordFromEntry(e domain.Entry) Record {
	return Record{Type: e.Type(), Seq: e.Seq(), Key: e.Key(), Value: e.Value()}
}

func entryFromRecord(rec Record) domain.Entry {
	return domain.NewEntry(rec.Key, rec.Value, rec.Type == domain.EntryTypeDelete, rec.Seq)
}
