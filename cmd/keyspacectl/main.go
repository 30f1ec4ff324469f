package main

import (
	"fmt"
	"os"

	"github.com/keyspacedb/keyspace/pkg/client"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "keyspacectl",
	Short:   "Admin CLI for a keyspace node's migration engine",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("node", "127.0.0.1:8443", "Address of the node's admin API")

	rootCmd.AddCommand(migrationsCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(healthCmd)

	migrationsCmd.AddCommand(migrationsListCmd)
	migrationsCmd.AddCommand(migrationsEmigrateCmd)

	migrationsListCmd.Flags().Bool("verbose", false, "Include per-emigration and per-immigration detail")

	migrationsEmigrateCmd.Flags().Uint64("cluster-key", 0, "Cluster key this emigration is stamped with")

	workersCmd.Flags().Int("count", -1, "Set the engine's worker pool size")
	workersCmd.MarkFlagRequired("count")
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("node")
	return client.NewClient(addr)
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "Inspect and drive partition migrations",
}

var migrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the engine's queue length, worker count, and in-flight migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to node: %w", err)
		}
		defer c.Close()

		verbose, _ := cmd.Flags().GetBool("verbose")
		result, err := c.Migrations(verbose)
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}

		fmt.Printf("queue length:  %d\n", result.QueueLen)
		fmt.Printf("worker count:  %d\n", result.WorkerCount)
		if !verbose {
			return nil
		}

		fmt.Printf("\nemigrations (%d):\n", len(result.Emigrations))
		for _, em := range result.Emigrations {
			fmt.Printf("  %s/%d -> %s  state=%s  inflight=%d\n",
				em.Namespace, em.PartitionID, em.Dest, em.State, em.InflightLen)
		}

		fmt.Printf("\nimmigrations (%d):\n", len(result.Immigrations))
		for _, im := range result.Immigrations {
			fmt.Printf("  %s/%d  phase=%s  from=%s\n", im.Namespace, im.PartitionID, im.Phase, im.Source)
		}
		return nil
	},
}

var migrationsEmigrateCmd = &cobra.Command{
	Use:   "emigrate NAMESPACE PARTITION DEST",
	Short: "Manually enqueue a partition for emigration to a node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to node: %w", err)
		}
		defer c.Close()

		var partition uint32
		if _, err := fmt.Sscanf(args[1], "%d", &partition); err != nil {
			return fmt.Errorf("invalid partition id %q: %w", args[1], err)
		}
		clusterKey, _ := cmd.Flags().GetUint64("cluster-key")

		if err := c.Emigrate(args[0], partition, args[2], clusterKey); err != nil {
			return fmt.Errorf("emigrate: %w", err)
		}
		fmt.Printf("emigration of %s/%d to %s enqueued\n", args[0], partition, args[2])
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Set the migration engine's worker pool size",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to node: %w", err)
		}
		defer c.Close()

		count, _ := cmd.Flags().GetInt("count")
		if count < 0 {
			return fmt.Errorf("--count is required and must be non-negative")
		}
		if err := c.SetWorkers(count); err != nil {
			return fmt.Errorf("set worker count: %w", err)
		}
		fmt.Printf("worker count set to %d\n", count)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a node's liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return fmt.Errorf("connect to node: %w", err)
		}
		defer c.Close()

		if err := c.Healthz(); err != nil {
			fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return nil
	},
}
