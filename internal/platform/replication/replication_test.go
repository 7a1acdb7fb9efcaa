package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
)

func openBackup(t *testing.T) (*lsm_tree.Engine, *Server, int) {
	t.Helper()
	engine, err := lsm_tree.OpenEngine(lsm_tree.EngineOptions{
		Dir:        t.TempDir(),
		SyncPolicy: lsm_tree.SyncEveryWrite,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	server := NewServer(engine, ServerOptions{Port: 0})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return engine, server, server.Addr().(*net.TCPAddr).Port
}

func newPrimary(t *testing.T, port int) *Client {
	t.Helper()
	client := NewClient(ClientOptions{
		BackupHost: "127.0.0.1",
		BackupPort: port,
		AckTimeout: 2 * time.Second,
	})
	client.Start()
	t.Cleanup(func() { client.Close() })
	return client
}

func replicate(t *testing.T, client *Client, rec lsm_tree.Record) {
	t.Helper()
	fut, err := client.Enqueue(rec)
	require.NoError(t, err)
	require.NoError(t, fut.Wait())
}

func TestReplication_OpsApplyInOrder(t *testing.T) {
	backupEngine, server, port := openBackup(t)
	client := newPrimary(t, port)

	replicate(t, client, lsm_tree.Record{Type: domain.EntryTypePut, Seq: 1, Key: "repl:1", Value: "Hello"})
	replicate(t, client, lsm_tree.Record{Type: domain.EntryTypePut, Seq: 2, Key: "repl:2", Value: "World"})
	replicate(t, client, lsm_tree.Record{Type: domain.EntryTypeDelete, Seq: 3, Key: "repl:2"})

	value, err := backupEngine.Get("repl:1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", value)
	_, err = backupEngine.Get("repl:2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	state, metrics := server.ReplicationStatus()
	assert.Equal(t, "backup", state.Role)
	assert.Equal(t, uint64(3), state.LastAppliedSeq)
	assert.Equal(t, uint64(3), metrics.OpsApplied)

	clientState, clientMetrics := client.ReplicationStatus()
	assert.Equal(t, "primary", clientState.Role)
	assert.True(t, clientState.Connected)
	assert.Equal(t, uint64(3), clientState.LastAckedSeq)
	assert.Equal(t, 0, clientState.PendingCount)
	assert.Equal(t, uint64(3), clientMetrics.OpsAcked)
}

func TestReplication_DuplicatesAreSkippedButAcked(t *testing.T) {
	backupEngine, server, _ := openBackup(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeHandshake(conn, 0xbeef))

	send := func(rec lsm_tree.Record) uint64 {
		_, err := lsm_tree.WriteRecord(conn, rec)
		require.NoError(t, err)
		ack, err := readAck(conn)
		require.NoError(t, err)
		return ack
	}

	assert.Equal(t, uint64(1), send(lsm_tree.Record{Type: domain.EntryTypePut, Seq: 1, Key: "k", Value: "v1"}))
	// A resend of the same seq is skipped but still acknowledged.
	assert.Equal(t, uint64(1), send(lsm_tree.Record{Type: domain.EntryTypePut, Seq: 1, Key: "k", Value: "stale"}))
	assert.Equal(t, uint64(2), send(lsm_tree.Record{Type: domain.EntryTypePut, Seq: 2, Key: "k", Value: "v2"}))

	value, err := backupEngine.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)

	_, metrics := server.ReplicationStatus()
	assert.Equal(t, uint64(2), metrics.OpsApplied)
	assert.Equal(t, uint64(1), metrics.OpsSkipped)
}

func TestReplication_SequenceGapDropsConnection(t *testing.T) {
	_, server, _ := openBackup(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeHandshake(conn, 0xbeef))

	_, err = lsm_tree.WriteRecord(conn, lsm_tree.Record{Type: domain.EntryTypePut, Seq: 5, Key: "gap", Value: "v"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readAck(conn)
	assert.Error(t, err, "connection should be dropped without an ack")
}

func TestReplication_RejectsBadHandshake(t *testing.T) {
	_, server, _ := openBackup(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(make([]byte, handshakeLen)) // zero magic
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "server should close the connection")
}

func TestReplication_ReconnectResendsPending(t *testing.T) {
	backupEngine, server, port := openBackup(t)
	client := newPrimary(t, port)

	replicate(t, client, lsm_tree.Record{Type: domain.EntryTypePut, Seq: 1, Key: "before", Value: "v"})

	// Take the backup away mid-stream.
	require.NoError(t, server.Stop())
	waitForDisconnect(t, client)

	fut, err := client.Enqueue(lsm_tree.Record{Type: domain.EntryTypePut, Seq: 2, Key: "after-reconnect", Value: "post-restart"})
	require.NoError(t, err)

	// Bring a fresh server back on the same port; the client reconnects and
	// resends the pending op.
	server2 := NewServer(backupEngine, ServerOptions{Port: port})
	require.NoError(t, server2.Start())
	t.Cleanup(func() { server2.Stop() })

	require.NoError(t, fut.Wait())
	value, err := backupEngine.Get("after-reconnect")
	require.NoError(t, err)
	assert.Equal(t, "post-restart", value)

	state, metrics := client.ReplicationStatus()
	assert.True(t, state.Connected)
	assert.GreaterOrEqual(t, metrics.Reconnects, uint64(1))
}

func waitForDisconnect(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, _ := client.ReplicationStatus()
		if !state.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never noticed the disconnect")
}

func TestReplication_AckTimeout(t *testing.T) {
	// A listener that accepts but never acks.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	client := NewClient(ClientOptions{
		BackupHost: "127.0.0.1",
		BackupPort: ln.Addr().(*net.TCPAddr).Port,
		AckTimeout: 200 * time.Millisecond,
	})
	client.Start()
	defer client.Close()

	fut, err := client.Enqueue(lsm_tree.Record{Type: domain.EntryTypePut, Seq: 1, Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.ErrorIs(t, fut.Wait(), domain.ErrReplicationTimeout)
}
