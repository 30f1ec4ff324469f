/*
Package client provides a Go client library for the cluster's admin API.

The client wraps pkg/adminapi's HTTP+mTLS surface with a convenient,
idiomatic Go interface for operator tooling (cmd/keyspacectl and anything
else that wants programmatic access to migration state).

# Architecture

	┌──────────────────── OPERATOR TOOLING ───────────────────────┐
	│                                                                │
	│  import "github.com/keyspacedb/keyspace/pkg/client"           │
	│                                                                │
	│  c, err := client.NewClient("node1:8443")                     │
	│  result, err := c.Migrations(true)                            │
	│                                                                │
	└──────────────────┬─────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ───────────────────────────┐
	│                                                                │
	│  ┌────────────────────────────────────────────────┐          │
	│  │           Client Wrapper                        │          │
	│  │  - mTLS connection reuse via http.Client         │          │
	│  │  - JSON request/response encoding                │          │
	│  │  - Typed methods over the admin API's routes     │          │
	│  └──────────────────┬───────────────────────────────┘        │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────────┐        │
	│  │         net/http (mTLS)                            │        │
	│  │  - CLI certificate authentication                  │        │
	│  │  - TLS 1.3 encryption                              │        │
	│  └──────────────────┬───────────────────────────────┘        │
	└─────────────────────┼──────────────────────────────────────┘
	                      │ HTTPS
	                      ▼
	               pkg/adminapi Server

# Usage

Creating a Client (expects a certificate already issued at ~/.keyspace/cli/,
provisioned through the same cluster join flow a voting node uses):

	c, err := client.NewClient("node1.cluster.internal:8443")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

Inspecting migration state:

	result, err := c.Migrations(true)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("queue=%d workers=%d\n", result.QueueLen, result.WorkerCount)
	for _, em := range result.Emigrations {
		fmt.Printf("- %s/%d -> %s (%s)\n", em.Namespace, em.PartitionID, em.Dest, em.State)
	}

Manually emigrating a partition (bypassing the rebalancer's own reconcile
loop — useful when draining a node ahead of decommission):

	if err := c.Emigrate("accounts", 42, "node-7", clusterKey); err != nil {
		log.Fatal(err)
	}

Adjusting the migration worker pool:

	if err := c.SetWorkers(8); err != nil {
		log.Fatal(err)
	}

# Certificate Provisioning

Unlike a cluster node, the CLI does not request certificates over the admin
API itself — see pkg/security for how a node's certificate is issued and
pkg/client's NewClient for the resulting error message when one is missing.
This keeps the admin API's surface limited to migration observability and
control, which is all pkg/adminapi exposes.
*/
package client
