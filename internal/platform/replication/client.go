package replication

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
)

type ClientOptions struct {
	BackupHost string
	BackupPort int
	// AckTimeout bounds the sync-sync wait per op.
	AckTimeout time.Duration
	// Window caps the un-acked op buffer; Enqueue blocks once it is full.
	Window  int
	Metrics *metrics.Registry
}

// Client keeps one persistent connection to the backup and streams every
// committed op in sequence order. Resends after a reconnect are safe because
// the backup applies idempotently by sequence number.
type Client struct {
	opts   ClientOptions
	nodeID uuid.UUID

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []*pendingOp // un-acked, ascending seq; a prefix is sent
	conn       net.Conn
	connected  bool
	lastSent   uint64
	lastAcked  uint64
	opsSent    uint64
	opsAcked   uint64
	reconnects uint64
	closed     bool

	sendSignal chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

type pendingOp struct {
	rec  lsm_tree.Record
	sent bool
	done chan struct{}
	err  error
}

func NewClient(opts ClientOptions) *Client {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 1024
	}
	c := &Client{
		opts:       opts,
		nodeID:     uuid.New(),
		sendSignal: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// primaryID derives the handshake id from the node UUID.
func (c *Client) primaryID() uint64 {
	b := c.nodeID[:]
	return binary.LittleEndian.Uint64(b[:8])
}

// Start launches the connect/send/receive loops.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Client) run() {
	defer c.wg.Done()
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second
	first := true
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		addr := fmt.Sprintf("%s:%d", c.opts.BackupHost, c.opts.BackupPort)
		conn, err := net.DialTimeout("tcp", addr, backoff+time.Second)
		if err == nil {
			err = writeHandshake(conn, c.primaryID())
		}
		if err != nil {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		log.Println("Replication client connected to", addr)
		backoff = 250 * time.Millisecond
		c.markConnected(conn, !first)
		first = false

		readerDone := make(chan struct{})
		go c.readAcks(conn, readerDone)
		c.writeOps(conn, readerDone)

		c.markDisconnected(conn)
		<-readerDone
		log.Println("Replication connection lost, reconnecting")
	}
}

func (c *Client) markConnected(conn net.Conn, isReconnect bool) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	// Everything still pending must be resent in order on the new
	// connection.
	for _, op := range c.pending {
		op.sent = false
	}
	if isReconnect {
		c.reconnects++
		if m := c.opts.Metrics; m != nil {
			m.ReplicationReconnects.Inc()
		}
	}
	if m := c.opts.Metrics; m != nil {
		m.ReplicationConnected.Set(1)
	}
	c.mu.Unlock()
	c.signalSend()
}

func (c *Client) markDisconnected(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	if m := c.opts.Metrics; m != nil {
		m.ReplicationConnected.Set(0)
	}
	c.mu.Unlock()
}

func (c *Client) signalSend() {
	select {
	case c.sendSignal <- struct{}{}:
	default:
	}
}

// writeOps drains unsent pending ops onto conn in sequence order. It
// returns when the connection or the client dies.
func (c *Client) writeOps(conn net.Conn, readerDone chan struct{}) {
	for {
		c.mu.Lock()
		var batch []*pendingOp
		for _, op := range c.pending {
			if !op.sent {
				batch = append(batch, op)
			}
		}
		for _, op := range batch {
			op.sent = true
		}
		c.mu.Unlock()

		for _, op := range batch {
			if _, err := lsm_tree.WriteRecord(conn, op.rec); err != nil {
				log.Println("Replication send failed:", err)
				return
			}
			c.mu.Lock()
			if op.rec.Seq > c.lastSent {
				c.lastSent = op.rec.Seq
			}
			c.opsSent++
			c.mu.Unlock()
			if m := c.opts.Metrics; m != nil {
				m.ReplicationOpsSent.Inc()
			}
		}

		select {
		case <-c.stopCh:
			return
		case <-readerDone:
			return
		case <-c.sendSignal:
		}
	}
}

func (c *Client) readAcks(conn net.Conn, readerDone chan struct{}) {
	defer close(readerDone)
	for {
		seq, err := readAck(conn)
		if err != nil {
			conn.Close()
			return
		}
		c.mu.Lock()
		if seq > c.lastAcked {
			c.lastAcked = seq
		}
		retired := 0
		for len(c.pending) > 0 && c.pending[0].rec.Seq <= seq {
			op := c.pending[0]
			c.pending = c.pending[1:]
			op.err = nil
			close(op.done)
			c.opsAcked++
			retired++
		}
		c.mu.Unlock()
		if retired > 0 {
			c.cond.Broadcast()
			if m := c.opts.Metrics; m != nil {
				m.ReplicationOpsAcked.Add(float64(retired))
			}
		}
	}
}

// Enqueue adds the op to the pending window and wakes the sender. When the
// window is full it blocks until ACKs retire older ops; that backpressure is
// what sync-sync mode promises.
func (c *Client) Enqueue(rec lsm_tree.Record) (lsm_tree.AckFuture, error) {
	c.mu.Lock()
	for len(c.pending) >= c.opts.Window && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrReplicationDisconnected
	}
	op := &pendingOp{rec: rec, done: make(chan struct{})}
	c.pending = append(c.pending, op)
	c.mu.Unlock()
	c.signalSend()
	return &ackFuture{client: c, op: op}, nil
}

type ackFuture struct {
	client *Client
	op     *pendingOp
}

// Wait blocks until the backup acknowledged the op or the timeout fires.
// On timeout the connection is reset; the op stays pending and is resent
// after reconnect, so the store converges even though the caller saw an
// error (at-least-once).
func (f *ackFuture) Wait() error {
	select {
	case <-f.op.done:
		return f.op.err
	case <-time.After(f.client.opts.AckTimeout):
		f.client.resetConnection()
		return domain.ErrReplicationTimeout
	}
}

func (c *Client) resetConnection() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// ReplicationStatus implements domain.ReplicationStatusProvider.
func (c *Client) ReplicationStatus() (domain.ReplicationState, domain.ReplicationMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ReplicationState{
			Role:         "primary",
			Connected:    c.connected,
			LastSentSeq:  c.lastSent,
			LastAckedSeq: c.lastAcked,
			PendingCount: len(c.pending),
		}, domain.ReplicationMetrics{
			OpsSent:    c.opsSent,
			OpsAcked:   c.opsAcked,
			Reconnects: c.reconnects,
		}
}

// Close stops the loops and fails every pending op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	for _, op := range pending {
		op.err = domain.ErrReplicationDisconnected
		close(op.done)
	}
	c.cond.Broadcast()
	c.wg.Wait()
	return nil
}
