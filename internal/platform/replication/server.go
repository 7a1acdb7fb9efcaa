package replication

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
)

type ServerOptions struct {
	Port    int
	Metrics *metrics.Registry
}

// Server is the backup-side end of the replication channel. It accepts one
// primary connection at a time, applies ops in strictly ascending sequence
// order and ACKs each one. Duplicates after a primary reconnect are skipped
// but still ACKed; a gap aborts the connection so the primary resyncs from
// its pending window.
type Server struct {
	opts   ServerOptions
	engine *lsm_tree.Engine
	ln     net.Listener

	mu          sync.Mutex
	activeConn  net.Conn
	connected   bool
	lastApplied uint64
	opsApplied  uint64
	opsSkipped  uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(engine *lsm_tree.Engine, opts ServerOptions) *Server {
	return &Server{
		opts:        opts,
		engine:      engine,
		lastApplied: engine.CurrentSeq(),
		stopCh:      make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("replication listen on %d: %w", s.opts.Port, err)
	}
	s.ln = ln
	log.Println("Replication server listening on", ln.Addr())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			log.Println("Replication accept failed:", err)
			continue
		}
		// One primary at a time; handled inline so a second connection
		// waits until the current one ends.
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	s.mu.Lock()
	s.activeConn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.activeConn == conn {
			s.activeConn = nil
		}
		s.mu.Unlock()
	}()

	hs, err := readHandshake(conn)
	if err != nil {
		log.Println("Replication handshake rejected:", err)
		if m := s.opts.Metrics; m != nil {
			m.ReplicationProtocolErrors.Inc()
		}
		return
	}
	log.Printf("Replication stream established (primary_id=%x)", hs.primaryID)
	s.setConnected(true)
	defer s.setConnected(false)

	for {
		rec, err := lsm_tree.ReadRecord(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Println("Replication stream ended:", err)
				if errors.Is(err, lsm_tree.ErrCorruptRecord) {
					if m := s.opts.Metrics; m != nil {
						m.ReplicationProtocolErrors.Inc()
					}
				}
			}
			return
		}

		s.mu.Lock()
		lastApplied := s.lastApplied
		s.mu.Unlock()

		switch {
		case rec.Seq <= lastApplied:
			// Duplicate after a primary reconnect. Skip but ACK so the
			// primary can retire it.
			s.mu.Lock()
			s.opsSkipped++
			s.mu.Unlock()
			if m := s.opts.Metrics; m != nil {
				m.ReplicationOpsSkipped.Inc()
			}
		case rec.Seq == lastApplied+1:
			if err := s.engine.ApplyReplicated(rec); err != nil {
				log.Println("Replicated apply failed, dropping connection:", err)
				return
			}
			s.mu.Lock()
			s.lastApplied = rec.Seq
			s.opsApplied++
			s.mu.Unlock()
			if m := s.opts.Metrics; m != nil {
				m.ReplicationOpsApplied.Inc()
			}
		default:
			log.Printf("Replication sequence gap (got %d, want %d), dropping connection",
				rec.Seq, lastApplied+1)
			if m := s.opts.Metrics; m != nil {
				m.ReplicationProtocolErrors.Inc()
			}
			return
		}

		if err := writeAck(conn, rec.Seq); err != nil {
			log.Println("Replication ack failed:", err)
			return
		}
	}
}

func (s *Server) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
	if m := s.opts.Metrics; m != nil {
		if v {
			m.ReplicationConnected.Set(1)
		} else {
			m.ReplicationConnected.Set(0)
		}
	}
}

// Addr reports the bound listener address, useful when Port was 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ReplicationStatus implements domain.ReplicationStatusProvider.
func (s *Server) ReplicationStatus() (domain.ReplicationState, domain.ReplicationMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ReplicationState{
			Role:           "backup",
			Connected:      s.connected,
			LastAppliedSeq: s.lastApplied,
		}, domain.ReplicationMetrics{
			OpsApplied: s.opsApplied,
			OpsSkipped: s.opsSkipped,
		}
}

func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.mu.Lock()
		if s.activeConn != nil {
			s.activeConn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
