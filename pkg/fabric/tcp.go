package fabric

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
)

// TCPConfig configures the concrete TCP fabric transport.
type TCPConfig struct {
	ListenAddr  string
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	QueueDepth  int // per-peer, per-priority send queue capacity
}

// TCPTransport is a long-lived-connection-per-peer fabric implementation:
// each peer gets one dialed (or accepted) TCP connection secured with mTLS,
// a writer goroutine draining HIGH-then-LOW priority queues, and a reader
// goroutine dispatching decoded frames to the registered handler.
type TCPTransport struct {
	cfg TCPConfig

	mu       sync.RWMutex
	peers    map[string]*peerConn
	handlers map[MessageType]Handler

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTCPTransport creates a transport bound to cfg.ListenAddr. Call Start to
// begin accepting connections.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 256
	}
	return &TCPTransport{
		cfg:      cfg,
		peers:    make(map[string]*peerConn),
		handlers: make(map[MessageType]Handler),
		stopCh:   make(chan struct{}),
	}
}

func (t *TCPTransport) Alloc(op Op) *Message { return Alloc(op) }

func (t *TCPTransport) Register(msgType MessageType, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[msgType]; exists {
		return fmt.Errorf("fabric: handler already registered for type %d", msgType)
	}
	t.handlers[msgType] = handler
	return nil
}

// Start begins listening for inbound peer connections.
func (t *TCPTransport) Start() error {
	ln, err := tls.Listen("tcp", t.cfg.ListenAddr, t.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("fabric: listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every peer connection.
func (t *TCPTransport) Stop() error {
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}

	t.mu.Lock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	t.wg.Wait()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	logger := log.WithComponent("fabric")
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				logger.Warn().Err(err).Msg("fabric accept failed")
				continue
			}
		}
		peerAddr := conn.RemoteAddr().String()
		p := t.adoptConn(peerAddr, conn)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			p.readLoop()
		}()
	}
}

// adoptConn installs conn as the active connection for peerAddr, replacing
// any previous connection and starting a writer goroutine.
func (t *TCPTransport) adoptConn(peerAddr string, conn net.Conn) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.peers[peerAddr]
	if !exists {
		p = newPeerConn(t, peerAddr)
		t.peers[peerAddr] = p
	}
	p.setConn(conn)
	return p
}

// getOrDialPeer returns the peerConn for addr, dialing lazily if none
// exists yet or the existing connection has dropped.
func (t *TCPTransport) getOrDialPeer(addr string) (*peerConn, error) {
	t.mu.Lock()
	p, exists := t.peers[addr]
	if !exists {
		p = newPeerConn(t, addr)
		t.peers[addr] = p
	}
	t.mu.Unlock()

	if p.hasConn() {
		return p, nil
	}

	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, t.cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("fabric: dial %s: %w", addr, err)
	}
	p.setConn(conn)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.readLoop()
	}()
	return p, nil
}

// Send implements Transport.Send. msg is always either consumed (SendOK) or
// left for the caller to release (any other result).
func (t *TCPTransport) Send(peer string, msg *Message, priority Priority) SendResult {
	p, err := t.getOrDialPeer(peer)
	if err != nil {
		metrics.FabricSendErrorsTotal.WithLabelValues(SendNoPeer.String()).Inc()
		return SendNoPeer
	}
	return p.enqueue(msg, priority)
}

func (t *TCPTransport) dispatch(peer string, msgType MessageType, msg *Message) {
	t.mu.RLock()
	handler, ok := t.handlers[msgType]
	t.mu.RUnlock()
	if !ok {
		msg.Put()
		return
	}
	handler(peer, msg)
}

func (t *TCPTransport) dropPeer(addr string) {
	t.mu.Lock()
	delete(t.peers, addr)
	t.mu.Unlock()
}

// peerConn owns one TCP connection to a single remote node plus its two
// priority send queues and the goroutines that drain/read them.
type peerConn struct {
	transport *TCPTransport
	addr      string

	mu       sync.Mutex
	conn     net.Conn
	writerOn bool

	highQ chan *Message
	lowQ  chan *Message
	done  chan struct{}
}

func newPeerConn(t *TCPTransport, addr string) *peerConn {
	return &peerConn{
		transport: t,
		addr:      addr,
		highQ:     make(chan *Message, t.cfg.QueueDepth),
		lowQ:      make(chan *Message, t.cfg.QueueDepth),
		done:      make(chan struct{}),
	}
}

func (p *peerConn) hasConn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *peerConn) setConn(conn net.Conn) {
	p.mu.Lock()
	p.conn = conn
	startWriter := !p.writerOn
	p.writerOn = true
	p.mu.Unlock()

	if startWriter {
		p.transport.wg.Add(1)
		go func() {
			defer p.transport.wg.Done()
			p.writeLoop()
		}()
	}
}

func (p *peerConn) enqueue(msg *Message, priority Priority) SendResult {
	q := p.lowQ
	if priority == High {
		q = p.highQ
	}
	select {
	case q <- msg:
		metrics.FabricQueueDepth.WithLabelValues(p.addr, priorityLabel(priority)).Set(float64(len(q)))
		return SendOK
	default:
		metrics.FabricSendErrorsTotal.WithLabelValues(SendQueueFull.String()).Inc()
		return SendQueueFull
	}
}

func priorityLabel(p Priority) string {
	if p == High {
		return "high"
	}
	return "low"
}

// writeLoop drains highQ ahead of lowQ, so control-plane traffic (START,
// DONE, their acks) never queues behind bulk INSERT records.
func (p *peerConn) writeLoop() {
	logger := log.WithPeer(p.addr)
	for {
		var msg *Message
		select {
		case msg = <-p.highQ:
		default:
			select {
			case msg = <-p.highQ:
			case msg = <-p.lowQ:
			case <-p.done:
				return
			}
		}

		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			msg.Put()
			continue
		}

		if err := writeFrame(conn, msg); err != nil {
			logger.Warn().Err(err).Msg("fabric write failed, dropping connection")
			p.resetConn()
		}
		msg.Put()
	}
}

func (p *peerConn) readLoop() {
	logger := log.WithPeer(p.addr)
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	br := bufio.NewReader(conn)
	for {
		msgType, msg, err := readFrame(br)
		if err != nil {
			logger.Debug().Err(err).Msg("fabric read loop ending")
			p.resetConn()
			return
		}
		p.transport.dispatch(p.addr, msgType, msg)
	}
}

func (p *peerConn) resetConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *peerConn) close() {
	close(p.done)
	p.resetConn()
}

func writeFrame(w net.Conn, msg *Message) error {
	if _, err := w.Write([]byte{byte(MigrateMessageType)}); err != nil {
		return fmt.Errorf("write message type: %w", err)
	}
	return Encode(w, msg)
}

func readFrame(r *bufio.Reader) (MessageType, *Message, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	msg := Alloc(0)
	if err := DecodeInto(r, msg); err != nil {
		msg.Put()
		return 0, nil, fmt.Errorf("decode frame: %w", err)
	}
	return MessageType(typeByte), msg, nil
}
