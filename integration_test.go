package main_test

import (
	"fmt"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditya0562/lsm-kv-store/internal/application/service"
	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/client"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/replication"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/dbentry"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/replstatus"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/tcp"
)

// Integration tests drive the whole stack end to end: HTTP facade, TCP
// ingestion, the LSM engine and the replication channel.

type node struct {
	engine *lsm_tree.Engine
	store  domain.EntryStore
	http   *httptest.Server
	client *client.StoreClient
}

func startNode(t *testing.T, dir string, memtableLimit int, replicator lsm_tree.Replicator, statusProvider domain.ReplicationStatusProvider) *node {
	t.Helper()
	opts := lsm_tree.EngineOptions{
		Dir:           dir,
		MemtableLimit: memtableLimit,
		SyncPolicy:    lsm_tree.SyncEveryWrite,
		Replicator:    replicator,
	}
	engine, err := lsm_tree.OpenEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	store := repository.NewLSMTreeRepository(engine)
	entryHandler := dbentry.NewDbEntryHandler(
		service.NewSaveEntryService(store),
		service.NewDeleteEntryService(store),
		service.NewGetEntryService(store),
		service.NewBatchSaveEntriesService(store),
		service.NewReadKeyRangeService(store),
	)
	srv := server.NewServer(0, entryHandler, replstatus.NewHandler(statusProvider), metrics.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &node{
		engine: engine,
		store:  store,
		http:   ts,
		client: client.NewStoreClient(ts.URL),
	}
}

func TestE2E_PutGetUpdateOverHTTP(t *testing.T) {
	n := startNode(t, t.TempDir(), 1<<20, nil, nil)

	require.NoError(t, n.client.Put("user:1", "Alice"))
	value, err := n.client.Get("user:1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", value)

	require.NoError(t, n.client.Put("user:1", "Alice Updated"))
	value, err = n.client.Get("user:1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Updated", value)
}

func TestE2E_DeleteReturnsNotFound(t *testing.T) {
	n := startNode(t, t.TempDir(), 1<<20, nil, nil)

	require.NoError(t, n.client.Put("user:del", "X"))
	require.NoError(t, n.client.Delete("user:del"))

	_, err := n.client.Get("user:del")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestE2E_RangeQueries(t *testing.T) {
	n := startNode(t, t.TempDir(), 1<<20, nil, nil)

	for i := 1; i <= 30; i++ {
		require.NoError(t, n.client.Put(fmt.Sprintf("rng:%03d", i), fmt.Sprintf("v%d", i)))
	}

	results, err := n.client.ReadKeyRange("rng:005", "rng:015", 0)
	require.NoError(t, err)
	require.Len(t, results, 11)
	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i-1].Key, results[i].Key)
	}

	results, err = n.client.ReadKeyRange("rng:001", "rng:030", 5)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestE2E_FlushUnderLoad(t *testing.T) {
	n := startNode(t, t.TempDir(), 100<<10, nil, nil)

	const total = 2500
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("bulk:%06d", i)
		value := fmt.Sprintf("payload-%06d-%030d", i, i)
		require.NoError(t, n.client.Put(key, value))
	}

	deadline := time.Now().Add(10 * time.Second)
	for n.engine.TableCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Greater(t, n.engine.TableCount(), 0, "the write volume must force at least one flush")

	for _, i := range []int{0, 999, 1500, total - 1} {
		value, err := n.client.Get(fmt.Sprintf("bulk:%06d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload-%06d-%030d", i, i), value)
	}

	results, err := n.client.ReadKeyRange("bulk:000000", fmt.Sprintf("bulk:%06d", total-1), 0)
	require.NoError(t, err)
	assert.Len(t, results, total)
}

func TestE2E_TCPIngestionThenHTTPReads(t *testing.T) {
	n := startNode(t, t.TempDir(), 1<<20, nil, nil)

	tcpServer := tcp.NewServer(0, n.store, nil)
	require.NoError(t, tcpServer.Start())
	t.Cleanup(func() { tcpServer.Stop() })

	conn, err := net.Dial("tcp", tcpServer.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	const total = 100
	ack := make([]byte, 1)
	for i := 0; i < total; i++ {
		rec := lsm_tree.Record{
			Type:  domain.EntryTypePut,
			Seq:   uint64(i + 1),
			Key:   fmt.Sprintf("tcp:%04d", i),
			Value: fmt.Sprintf("streamed-%d", i),
		}
		_, err := lsm_tree.WriteRecord(conn, rec)
		require.NoError(t, err)
		_, err = conn.Read(ack)
		require.NoError(t, err)
	}
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	for i := 0; i < total; i++ {
		value, err := n.client.Get(fmt.Sprintf("tcp:%04d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("streamed-%d", i), value)
	}
	results, err := n.client.ReadKeyRange("tcp:0000", "tcp:0099", 0)
	require.NoError(t, err)
	assert.Len(t, results, total)
}

func TestE2E_SyncSyncReplication(t *testing.T) {
	backupDir := t.TempDir()

	// Backup node with its replication listener.
	backup := startNodeAsBackup(t, backupDir)

	// Primary replicating sync-sync to the backup.
	replClient := replication.NewClient(replication.ClientOptions{
		BackupHost: "127.0.0.1",
		BackupPort: backup.replPort,
		AckTimeout: 3 * time.Second,
	})
	replClient.Start()
	t.Cleanup(func() { replClient.Close() })
	primary := startNode(t, t.TempDir(), 1<<20, replClient, replClient)

	// A put acked by the primary is immediately readable on the backup.
	require.NoError(t, primary.client.Put("repl:1", "Hello"))
	value, err := backup.node.client.Get("repl:1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", value)

	// Kill the backup's replication listener; the primary notices.
	require.NoError(t, backup.replServer.Stop())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		enabled, state, _, err := primary.client.ReplicationStatus()
		require.NoError(t, err)
		require.True(t, enabled)
		if !state.Connected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, state, _, err := primary.client.ReplicationStatus()
	require.NoError(t, err)
	require.False(t, state.Connected)

	// Restart the listener on the same port; the primary reconnects and the
	// next write lands on the backup.
	replServer2 := replication.NewServer(backup.node.engine, replication.ServerOptions{Port: backup.replPort})
	require.NoError(t, replServer2.Start())
	t.Cleanup(func() { replServer2.Stop() })

	require.NoError(t, primary.client.Put("after-reconnect", "post-restart"))
	value, err = backup.node.client.Get("after-reconnect")
	require.NoError(t, err)
	assert.Equal(t, "post-restart", value)

	_, state, replMetrics, err := primary.client.ReplicationStatus()
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.GreaterOrEqual(t, replMetrics.Reconnects, uint64(1))

	// Convergence: every key reads identically on both sides.
	for _, key := range []string{"repl:1", "after-reconnect"} {
		pv, err := primary.client.Get(key)
		require.NoError(t, err)
		bv, err := backup.node.client.Get(key)
		require.NoError(t, err)
		assert.Equal(t, pv, bv)
	}
}

type backupNode struct {
	node       *node
	replServer *replication.Server
	replPort   int
}

func startNodeAsBackup(t *testing.T, dir string) *backupNode {
	t.Helper()
	engine, err := lsm_tree.OpenEngine(lsm_tree.EngineOptions{
		Dir:        dir,
		SyncPolicy: lsm_tree.SyncEveryWrite,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	replServer := replication.NewServer(engine, replication.ServerOptions{Port: 0})
	require.NoError(t, replServer.Start())
	t.Cleanup(func() { replServer.Stop() })

	store := repository.NewLSMTreeRepository(engine)
	entryHandler := dbentry.NewDbEntryHandler(
		service.NewSaveEntryService(store),
		service.NewDeleteEntryService(store),
		service.NewGetEntryService(store),
		service.NewBatchSaveEntriesService(store),
		service.NewReadKeyRangeService(store),
	)
	srv := server.NewServer(0, entryHandler, replstatus.NewHandler(replServer), metrics.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &backupNode{
		node: &node{
			engine: engine,
			store:  store,
			http:   ts,
			client: client.NewStoreClient(ts.URL),
		},
		replServer: replServer,
		replPort:   replServer.Addr().(*net.TCPAddr).Port,
	}
}

func TestE2E_RestartDurability(t *testing.T) {
	dir := t.TempDir()
	engine, err := lsm_tree.OpenEngine(lsm_tree.EngineOptions{
		Dir:        dir,
		SyncPolicy: lsm_tree.SyncEveryWrite,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Put("durable:1", "survives"))
	require.NoError(t, engine.Put("durable:2", "also survives"))
	require.NoError(t, engine.Delete("durable:2"))
	require.NoError(t, engine.Close())

	reopened, err := lsm_tree.OpenEngine(lsm_tree.EngineOptions{
		Dir:        dir,
		SyncPolicy: lsm_tree.SyncEveryWrite,
	})
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get("durable:1")
	require.NoError(t, err)
	assert.Equal(t, "survives", value)
	_, err = reopened.Get("durable:2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
