package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

// Ops travel primary->backup with the same framing as WAL records. The
// backup answers each applied op with an ACK frame [len:u32=8][ack_seq:u64],
// and the primary opens every connection with a one-time handshake frame
// [magic:u64][version:u32][primary_id:u64]. All fields little-endian.
const (
	handshakeMagic  uint64 = 0x4b565245504c3031 // "KVREPL01"
	protocolVersion uint32 = 1
	handshakeLen           = 8 + 4 + 8
	ackPayloadLen   uint32 = 8
)

type handshake struct {
	primaryID uint64
}

func writeHandshake(w io.Writer, primaryID uint64) error {
	buf := make([]byte, 0, handshakeLen)
	buf = binary.LittleEndian.AppendUint64(buf, handshakeMagic)
	buf = binary.LittleEndian.AppendUint32(buf, protocolVersion)
	buf = binary.LittleEndian.AppendUint64(buf, primaryID)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

func readHandshake(r io.Reader) (handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != handshakeMagic {
		return handshake{}, fmt.Errorf("%w: bad handshake magic", domain.ErrProtocol)
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != protocolVersion {
		return handshake{}, fmt.Errorf("%w: unsupported protocol version %d", domain.ErrProtocol, v)
	}
	return handshake{primaryID: binary.LittleEndian.Uint64(buf[12:20])}, nil
}

func writeAck(w io.Writer, seq uint64) error {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, ackPayloadLen)
	buf = binary.LittleEndian.AppendUint64(buf, seq)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

func readAck(r io.Reader) (uint64, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != ackPayloadLen {
		return 0, fmt.Errorf("%w: malformed ack frame", domain.ErrProtocol)
	}
	return binary.LittleEndian.Uint64(buf[4:12]), nil
}
