package domain

import "errors"

var (
	// ErrValidation marks malformed input. Reported to the caller, never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound signals a point-read miss or a read of a tombstoned key.
	ErrNotFound = errors.New("key not found")
	// ErrCorruption marks a checksum mismatch inside an SSTable.
	ErrCorruption = errors.New("corrupted data")
	// ErrReadOnly is returned for writes after a WAL append failed mid-record.
	ErrReadOnly = errors.New("store is read-only")
	// ErrReplicationTimeout is surfaced in sync-sync mode when the backup did
	// not acknowledge an op within the configured timeout.
	ErrReplicationTimeout = errors.New("replication timeout")
	// ErrReplicationDisconnected is surfaced when the replication client is
	// closed before an op could be enqueued or acknowledged.
	ErrReplicationDisconnected = errors.New("replication disconnected")
	// ErrProtocol marks a malformed or out-of-order replication frame.
	ErrProtocol = errors.New("replication protocol error")
)
