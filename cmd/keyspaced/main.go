package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyspacedb/keyspace/pkg/adminapi"
	"github.com/keyspacedb/keyspace/pkg/cluster"
	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/events"
	"github.com/keyspacedb/keyspace/pkg/fabric"
	"github.com/keyspacedb/keyspace/pkg/health"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/migrate"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/reconciler"
	"github.com/keyspacedb/keyspace/pkg/security"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keyspaced",
	Short: "keyspace node daemon",
	Long: `keyspaced runs a single node of a sharded, replicated key-value
store: Raft-backed cluster membership, the record store, and the
partition migration engine that moves partitions between nodes as
membership changes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"keyspaced version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (overlays onto defaults)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage and run a keyspace cluster node",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new cluster with this node as the first member",
	Long: `Bootstrap starts this node as the sole member of a new Raft group,
mints the cluster certificate authority, and then runs the node daemon:
record storage, the partition migration engine, the rebalancer, and the
admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Cluster.NodeID = nodeID
		cfg.Cluster.BindAddr = bindAddr
		cfg.Cluster.DataDir = dataDir

		mgr, err := cluster.NewManager(&cluster.Config{
			NodeID:   cfg.Cluster.NodeID,
			BindAddr: cfg.Cluster.BindAddr,
			DataDir:  cfg.Cluster.DataDir,
		})
		if err != nil {
			return fmt.Errorf("create cluster manager: %w", err)
		}

		fmt.Printf("Bootstrapping cluster: node=%s bind=%s data-dir=%s\n", cfg.Cluster.NodeID, cfg.Cluster.BindAddr, cfg.Cluster.DataDir)
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		fmt.Println("cluster bootstrapped")

		if err := registerSelf(mgr, cfg); err != nil {
			return fmt.Errorf("register self as a node: %w", err)
		}

		printJoinTokens(mgr, cfg)
		return runDaemon(mgr, cfg, true)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing cluster",
	Long: `Join starts this node's Raft participation against an existing
cluster and then runs the node daemon. The leader must already have
added this node's ID and bind address to the Raft configuration (via
its own "cluster add-voter" invocation) before this command is run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		leaderAddr, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")
		if leaderAddr == "" || token == "" {
			return fmt.Errorf("--leader and --token are required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Cluster.NodeID = nodeID
		cfg.Cluster.BindAddr = bindAddr
		cfg.Cluster.DataDir = dataDir

		mgr, err := cluster.NewManager(&cluster.Config{
			NodeID:   cfg.Cluster.NodeID,
			BindAddr: cfg.Cluster.BindAddr,
			DataDir:  cfg.Cluster.DataDir,
		})
		if err != nil {
			return fmt.Errorf("create cluster manager: %w", err)
		}

		fmt.Printf("Joining cluster via leader %s\n", leaderAddr)
		if err := mgr.Join(leaderAddr, token); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		fmt.Println("joined cluster")

		return runDaemon(mgr, cfg, false)
	},
}

var clusterAddVoterCmd = &cobra.Command{
	Use:   "add-voter NODE_ID ADDR",
	Short: "Admit a node to the Raft configuration (run on the current leader)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("add-voter must be issued against a running leader process; this binary does not yet expose a remote membership RPC")
	},
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token [voter|nonvoter]",
	Short: "Generate a join token (run on the current leader)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("join-token must be issued against a running leader process; this binary does not yet expose a remote membership RPC")
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterAddVoterCmd)
	clusterCmd.AddCommand(clusterJoinTokenCmd)

	clusterInitCmd.Flags().String("node-id", "node-1", "Unique node ID")
	clusterInitCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	clusterInitCmd.Flags().String("data-dir", "./keyspace-data", "Data directory for cluster and storage state")

	clusterJoinCmd.Flags().String("node-id", "", "Unique node ID")
	clusterJoinCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	clusterJoinCmd.Flags().String("data-dir", "./keyspace-data", "Data directory for cluster and storage state")
	clusterJoinCmd.Flags().String("leader", "", "Raft bind address of the current leader")
	clusterJoinCmd.Flags().String("token", "", "Join token issued by the leader")
	clusterJoinCmd.MarkFlagRequired("node-id")
}

// registerSelf records this node's own membership entry so it appears in
// cluster.Manager.ListNodes and is therefore a candidate in the
// rebalancer's rendezvous-hash assignment from the moment it bootstraps.
func registerSelf(mgr *cluster.Manager, cfg config.Config) error {
	now := time.Now()
	return mgr.PutNode(&types.Node{
		ID:            types.NodeID(cfg.Cluster.NodeID),
		Address:       cfg.Fabric.ListenAddr,
		Role:          types.NodeRoleVoter,
		Status:        types.NodeStatusReady,
		LastHeartbeat: now,
		JoinedAt:      now,
	})
}

// adoptNamespaces brings every configured namespace's partitions under
// local ownership on a freshly bootstrapped single-node cluster. Joining
// nodes skip this: their partitions arrive via emigration once the
// rebalancer notices the new node, per partition.Manager.AdoptLocal's
// role as the bootstrap-only counterpart to the reconcile loop's
// steady-state rebalancing.
func adoptNamespaces(partitions *partition.Manager, namespaces []config.Namespace) {
	for _, ns := range namespaces {
		for p := 0; p < ns.Partitions; p++ {
			key := partition.Key{Namespace: types.Namespace(ns.Name), Partition: types.PartitionID(p)}
			if err := partitions.AdoptLocal(key); err != nil {
				log.WithComponent("keyspaced").Warn().Str("partition", key.String()).Err(err).Msg("adopt local partition failed")
			}
		}
	}
}

func printJoinTokens(mgr *cluster.Manager, cfg config.Config) {
	fmt.Println()
	fmt.Println("------------------------------------------------------------")
	fmt.Println("  Join tokens")
	fmt.Println("------------------------------------------------------------")
	if token, err := mgr.GenerateJoinToken("voter", cfg.Cluster.JoinTokenLifetime); err == nil {
		fmt.Printf("voter:    %s\n", token.Token)
	}
	if token, err := mgr.GenerateJoinToken("nonvoter", cfg.Cluster.JoinTokenLifetime); err == nil {
		fmt.Printf("nonvoter: %s\n", token.Token)
	}
	fmt.Println("------------------------------------------------------------")
	fmt.Println()
}

// nodeCertDir mirrors pkg/cluster's own initializeCA layout: that's where
// Bootstrap/Join leave this node's issued certificate and the cluster's CA
// certificate once the CA has been initialized or replicated.
func nodeCertDir(nodeID string) (string, error) {
	return security.GetCertDir("node", nodeID)
}

// buildServerTLSConfig loads this node's certificate and the cluster CA
// from the on-disk cert directory initializeCA populates, for use by any
// listener (fabric transport, admin API) that requires peers to present a
// certificate signed by this cluster's CA.
func buildServerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load node certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clusterResolver adapts cluster.Manager to migrate.PeerResolver: the
// migration engine only ever needs to turn a node ID into a fabric dial
// address, never the rest of cluster.Manager's surface.
type clusterResolver struct {
	mgr *cluster.Manager
}

func (r clusterResolver) ResolveAddr(id types.NodeID) (string, error) {
	node, err := r.mgr.GetNode(id)
	if err != nil {
		return "", fmt.Errorf("resolve peer %s: %w", id, err)
	}
	return node.Address, nil
}

// runDaemon wires storage, the partition manager, the fabric transport, the
// migration engine, the rebalancer, the admin API, and peer liveness
// monitoring around an already-bootstrapped-or-joined cluster.Manager, then
// blocks until an interrupt or a fatal subsystem error, tearing everything
// down in reverse order.
func runDaemon(mgr *cluster.Manager, cfg config.Config, seedPartitions bool) error {
	logger := log.WithComponent("keyspaced")

	certDir, err := nodeCertDir(cfg.Cluster.NodeID)
	if err != nil {
		return fmt.Errorf("resolve certificate directory: %w", err)
	}
	tlsConfig, err := buildServerTLSConfig(certDir)
	if err != nil {
		return fmt.Errorf("build TLS config: %w", err)
	}

	metrics.SetVersion(Version)

	broker := events.NewBroker()
	broker.Start()

	collector := metrics.NewCollector(mgr)
	collector.Start()
	metrics.RegisterComponent("raft", true, "bootstrapped")

	store, err := storage.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	metrics.RegisterComponent("storage", true, "ready")

	partitions := partition.NewManager(store, mgr, broker)
	if seedPartitions {
		adoptNamespaces(partitions, cfg.Namespaces)
	}

	transport := fabric.NewTCPTransport(fabric.TCPConfig{
		ListenAddr:  cfg.Fabric.ListenAddr,
		TLSConfig:   tlsConfig,
		DialTimeout: cfg.Fabric.DialTimeout,
		QueueDepth:  cfg.Fabric.SendQueueDepth,
	})
	if err := transport.Start(); err != nil {
		return fmt.Errorf("start fabric transport: %w", err)
	}
	metrics.RegisterComponent("fabric", true, "listening on "+cfg.Fabric.ListenAddr)
	fmt.Printf("fabric transport listening on %s\n", cfg.Fabric.ListenAddr)

	engine := migrate.NewEngine(transport, store, partitions, clusterResolver{mgr: mgr}, cfg.Migrate)
	if err := engine.Init(); err != nil {
		return fmt.Errorf("start migration engine: %w", err)
	}
	fmt.Println("migration engine started")

	recon := reconciler.NewReconciler(types.NodeID(cfg.Cluster.NodeID), cfg.Namespaces, cfg.Rebalance.Interval, mgr, partitions, engine)
	recon.Start()
	fmt.Println("rebalancer started")

	checkerFor := func(addr string) health.Checker { return health.NewTCPChecker(addr) }
	monitor := health.NewMonitor(health.DefaultConfig(), broker, checkerFor)
	monitor.Start(peerFabricAddrs(mgr, cfg.Cluster.NodeID))
	fmt.Println("peer liveness monitor started")

	admin := adminapi.New(engine)
	errCh := make(chan error, 1)
	go func() {
		if err := admin.Serve(cfg.Admin.ListenAddr, tlsConfig); err != nil {
			errCh <- fmt.Errorf("admin API error: %w", err)
		}
	}()
	metrics.RegisterComponent("adminapi", true, "listening on "+cfg.Admin.ListenAddr)
	fmt.Printf("admin API listening on %s\n", cfg.Admin.ListenAddr)

	fmt.Println()
	fmt.Println("keyspaced is running; press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	monitor.Stop()
	recon.Stop()
	engine.Stop()
	if err := transport.Stop(); err != nil {
		logger.Warn().Err(err).Msg("fabric transport stop returned error")
	}
	collector.Stop()
	broker.Stop()
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("record store close returned error")
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown cluster manager: %w", err)
	}

	fmt.Println("shutdown complete")
	return nil
}

// peerFabricAddrs lists every known node's fabric dial address except this
// node's own, for the liveness monitor to probe.
func peerFabricAddrs(mgr *cluster.Manager, selfID string) []string {
	nodes, err := mgr.ListNodes()
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if string(n.ID) == selfID {
			continue
		}
		addrs = append(addrs, n.Address)
	}
	return addrs
}
