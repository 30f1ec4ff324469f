package fabric

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/keyspacedb/keyspace/pkg/security"
)

type memCAStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memCAStore) SaveCA(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *memCAStore) GetCA() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

// testTLSPair builds server/client TLS configs backed by one shared test CA,
// mirroring how two nodes' fabric transports would be configured in
// production (mutual auth, no external PKI).
func testTLSPair(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")); err != nil {
		t.Fatalf("SetClusterEncryptionKey: %v", err)
	}

	ca := security.NewCertAuthority(&memCAStore{})
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Initialize CA: %v", err)
	}

	serverCert, err := ca.IssueNodeCertificate("node-a", "voter", 0, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("issue server cert: %v", err)
	}
	clientCert, err := ca.IssueNodeCertificate("node-b", "voter", 0, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("issue client cert: %v", err)
	}

	pool := x509.NewCertPool()
	rootDER := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}
	pool.AddCert(rootCert)

	serverCfg = &tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}
	clientCfg = &tls.Config{
		Certificates: []tls.Certificate{*clientCert},
		RootCAs:      pool,
		ServerName:   "localhost",
	}
	return serverCfg, clientCfg
}

func TestTCPTransportSendAndReceive(t *testing.T) {
	serverTLS, clientTLS := testTLSPair(t)

	server := NewTCPTransport(TCPConfig{ListenAddr: "127.0.0.1:0", TLSConfig: serverTLS})

	received := make(chan *Message, 1)
	if err := server.Register(MigrateMessageType, func(peer string, msg *Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client := NewTCPTransport(TCPConfig{TLSConfig: clientTLS})
	defer client.Stop()

	msg := Alloc(OpStart)
	msg.SetEmigID(1).SetClusterKey(5)

	result := client.Send(server.listener.Addr().String(), msg, High)
	if result != SendOK {
		t.Fatalf("Send = %v, want OK", result)
	}

	select {
	case got := <-received:
		if got.Op != OpStart || got.EmigID != 1 || got.ClusterKey != 5 {
			t.Errorf("unexpected message: %+v", got)
		}
		got.Put()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTCPTransportNoPeerOnBadAddress(t *testing.T) {
	_, clientTLS := testTLSPair(t)
	client := NewTCPTransport(TCPConfig{TLSConfig: clientTLS, DialTimeout: 200 * time.Millisecond})
	defer client.Stop()

	msg := Alloc(OpStart)
	result := client.Send("127.0.0.1:1", msg, High)
	if result != SendNoPeer {
		t.Fatalf("Send = %v, want NO_PEER", result)
	}
	msg.Put()
}

func TestQueueFullOnSaturatedLane(t *testing.T) {
	_, clientTLS := testTLSPair(t)
	client := NewTCPTransport(TCPConfig{TLSConfig: clientTLS, QueueDepth: 1})
	defer client.Stop()

	p := newPeerConn(client, "peer-under-test")
	client.mu.Lock()
	client.peers["peer-under-test"] = p
	client.mu.Unlock()

	first := Alloc(OpInsert)
	if res := p.enqueue(first, Low); res != SendOK {
		t.Fatalf("first enqueue = %v, want OK", res)
	}
	second := Alloc(OpInsert)
	if res := p.enqueue(second, Low); res != SendQueueFull {
		t.Fatalf("second enqueue = %v, want QUEUE_FULL", res)
	}
	second.Put()
	<-p.lowQ
	first.Put()
}
