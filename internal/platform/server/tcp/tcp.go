package tcp

import (
	"bufio"
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

// ackByte is written back once an op is durable.
const ackByte = 0x06

// Server ingests a framed stream of put/delete ops per connection and
// answers each with a single ACK byte. The stream ends when the client
// half-closes; outstanding ACKs are flushed before the server side closes.
type Server struct {
	port    int
	store   domain.EntryStore
	metrics *metrics.Registry

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(port int, store domain.EntryStore, registry *metrics.Registry) *Server {
	return &Server{
		port:    port,
		store:   store,
		metrics: registry,
		stopCh:  make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("tcp ingestion listen on %d: %w", s.port, err)
	}
	s.ln = ln
	log.Println("TCP ingestion listening on", ln.Addr())
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
			log.Println("TCP ingestion accept failed:", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		rec, err := lsm_tree.ReadRecord(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Println("TCP ingestion stream ended:", err)
			}
			break
		}

		var applyErr error
		if rec.Type == domain.EntryTypeDelete {
			applyErr = s.store.Delete(rec.Key)
		} else {
			applyErr = s.store.Put(rec.Key, rec.Value)
		}
		if applyErr != nil {
			log.Println("TCP ingestion apply failed:", applyErr)
			break
		}
		if s.metrics != nil {
			s.metrics.TCPOpsTotal.Inc()
		}
		if err := writer.WriteByte(ackByte); err != nil {
			break
		}
		// ACKs only promise durability, so flushing per op keeps the
		// contract simple; the bufio writer still batches under load.
		if reader.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				break
			}
		}
	}
	writer.Flush()
}

// Addr reports the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.wg.Wait()
	})
	return err
}
