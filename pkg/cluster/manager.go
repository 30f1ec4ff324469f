// Package cluster manages membership: which nodes belong to the cluster, who
// the Raft leader is, and the cluster key that stamps every in-flight
// migration with the membership generation it started under.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/security"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager owns the Raft group backing cluster membership and the root
// certificate authority used to mint node and client certificates.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft         *raft.Raft
	fsm          *fsm
	store        *nodeStore
	tokenManager *TokenManager
	ca           *security.CertAuthority
}

// Config holds the parameters needed to construct a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager constructs a Manager with its local node store and certificate
// authority, but does not start Raft — call Bootstrap or Join for that.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := newNodeStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create node store: %w", err)
	}

	clusterKey := security.DeriveKeyFromClusterID(cfg.NodeID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("set cluster encryption key: %w", err)
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          newFSM(store),
		store:        store,
		tokenManager: NewTokenManager(),
		ca:           security.NewCertAuthority(store),
	}, nil
}

func raftConfig(nodeID string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	// Tuned for LAN deployments: failover within a few seconds rather than
	// the library's WAN-oriented defaults.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

func (m *Manager) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(m.nodeID), m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("create raft instance: %w", err)
	}

	return r, transport.LocalAddr(), nil
}

// Bootstrap starts a new single-node Raft cluster and, if no CA yet exists,
// generates one.
func (m *Manager) Bootstrap() error {
	r, localAddr, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: localAddr},
		},
	}
	if future := m.raft.BootstrapCluster(configuration); future.Error() != nil {
		return fmt.Errorf("bootstrap raft cluster: %w", future.Error())
	}

	if err := m.initializeCA(); err != nil {
		return fmt.Errorf("initialize CA: %w", err)
	}

	return nil
}

// Join starts Raft and joins an existing cluster reachable at leaderAddr,
// exchanging the given join token for voter or nonvoter membership. The
// caller is responsible for having the leader AddVoter this node's ID and
// bind address out of band.
func (m *Manager) Join(leaderAddr, token string) error {
	r, _, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	role, err := m.tokenManager.ValidateToken(token, m.ClusterKey())
	if err != nil {
		return fmt.Errorf("validate join token: %w", err)
	}

	log.WithComponent("cluster").Info().
		Str("leader", leaderAddr).Str("role", role).Msg("joining cluster")

	if err := m.ca.LoadFromStore(); err != nil {
		return fmt.Errorf("load CA from peer-replicated store: %w", err)
	}

	return m.ensureNodeCert()
}

// AddVoter admits a node to the Raft configuration as a full voting member.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// AddNonvoter admits a node as a non-voting replica of the Raft log.
func (m *Manager) AddNonvoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add nonvoter: %w", err)
	}
	return nil
}

// RemoveServer removes a node from the Raft configuration entirely.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft configuration.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current Raft leader, or "" if
// unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// ClusterKey returns the membership generation: the Raft log index at which
// the node set or any node's status last changed.
func (m *Manager) ClusterKey() uint64 {
	return m.fsm.ClusterKey()
}

// GetRaftStats reports point-in-time Raft diagnostics for the metrics
// collector and admin API.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}

	numPeers := 0
	if configFuture := m.raft.GetConfiguration(); configFuture.Error() == nil {
		numPeers = len(configFuture.Configuration().Servers)
	}
	stats["num_peers"] = numPeers

	return stats
}

// Apply submits a membership command to the Raft log and blocks until it is
// committed and applied.
func (m *Manager) Apply(cmd Command) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// PutNode upserts a node's membership record via Raft consensus.
func (m *Manager) PutNode(node *types.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: "put_node", Data: data})
}

// RemoveNode removes a node's membership record via Raft consensus.
func (m *Manager) RemoveNode(id types.NodeID) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: "delete_node", Data: data})
}

// GetNode reads a node's membership record from the local store.
func (m *Manager) GetNode(id types.NodeID) (*types.Node, error) {
	return m.store.GetNode(id)
}

// ListNodes reads all known nodes from the local store.
func (m *Manager) ListNodes() ([]*types.Node, error) {
	return m.store.ListNodes()
}

// GenerateJoinToken issues a join token; only the leader may do so.
func (m *Manager) GenerateJoinToken(role string, lifetime time.Duration) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("not the leader, tokens can only be generated by the leader")
	}
	return m.tokenManager.GenerateToken(role, lifetime, m.ClusterKey())
}

// ValidateJoinToken checks a join token's validity and returns its role.
func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokenManager.ValidateToken(token, m.ClusterKey())
}

// NodeID returns this node's cluster ID.
func (m *Manager) NodeID() string { return m.nodeID }

// CA returns the cluster certificate authority.
func (m *Manager) CA() *security.CertAuthority { return m.ca }

// Shutdown stops Raft participation and closes the local store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			log.WithComponent("cluster").Warn().Err(err).Msg("raft shutdown returned error")
		}
	}
	return m.store.Close()
}

func (m *Manager) initializeCA() error {
	logger := log.WithComponent("cluster")

	if !m.ca.IsInitialized() {
		if err := m.ca.LoadFromStore(); err == nil {
			logger.Info().Msg("loaded existing certificate authority")
		} else {
			logger.Info().Msg("initializing new certificate authority")
			if err := m.ca.Initialize(); err != nil {
				return fmt.Errorf("initialize CA: %w", err)
			}
			if err := m.ca.SaveToStore(); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}
		}
	}

	return m.ensureNodeCert()
}

// ensureNodeCert issues this node's own certificate if it doesn't exist yet,
// or re-issues it in place if security.CertStale says it should be rotated —
// either it's within certRotationThreshold of expiry, or it predates the
// cluster's current membership generation.
func (m *Manager) ensureNodeCert() error {
	logger := log.WithComponent("cluster")

	certDir, err := security.GetCertDir("node", m.nodeID)
	if err != nil {
		return fmt.Errorf("get cert directory: %w", err)
	}

	clusterKey := m.ClusterKey()

	if security.CertExists(certDir) {
		existing, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load existing node certificate: %w", err)
		}
		if !security.CertStale(existing.Leaf, clusterKey) {
			return nil
		}
		logger.Info().
			Str("cert_dir", certDir).
			Dur("time_remaining", security.GetCertTimeRemaining(existing.Leaf)).
			Msg("rotating node certificate")
	}

	host, _, err := net.SplitHostPort(m.bindAddr)
	if err != nil {
		return fmt.Errorf("parse bind address: %w", err)
	}
	var ipAddresses []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ipAddresses = []net.IP{ip}
	}
	dnsNames := []string{fmt.Sprintf("node-%s", m.nodeID), "localhost"}

	cert, err := m.ca.IssueNodeCertificate(m.nodeID, "voter", clusterKey, dnsNames, ipAddresses)
	if err != nil {
		return fmt.Errorf("issue node certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	if err := security.SaveCACertToFile(m.ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}

	logger.Info().Str("cert_dir", certDir).Uint64("cluster_key", clusterKey).Msg("issued node certificate")
	return nil
}
