/*
Package security provides cryptographic services for keyspace clusters.

This package implements two core security capabilities: a Certificate
Authority (CA) for mutual TLS (mTLS) between nodes, and general-purpose
AES-256-GCM encryption used to derive and apply the cluster encryption key.

# Architecture

	┌─────────────────────────────────────────────┐
	│              Security Architecture           │
	└─────┬─────────────────────────┬──────────────┘
	      │                         │
	      ▼                         ▼
	┌─────────────┐        ┌──────────────┐
	│      CA      │        │ Certificate  │
	│ (Root + Sub) │        │  Management  │
	└──────┬───────┘        └──────┬───────┘
	       │                       │
	       ▼                       ▼
	RSA 4096-bit              90-day rotation
	10-year validity          Automatic renewal

## Cluster Encryption Key

All security is rooted in the cluster encryption key, a 32-byte key derived
from the cluster ID during initialization:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

This key encrypts the CA private key at rest. It is held only in memory on
cluster nodes and must be re-derived (from the cluster ID) when a node joins
or restarts.

# Certificate Authority

## Root CA

The CA uses a hierarchical structure with a long-lived root certificate:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key (high security)
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=Keyspace Root CA, O=Keyspace Cluster

The root CA is created during cluster initialization and stored encrypted
via the CAStore interface — pkg/cluster's node store is the concrete
implementation used in this module.

## Node Certificates

The CA issues certificates for all cluster nodes:

	Node Certificate
	├── 90-day validity
	├── RSA 2048-bit key (faster operations)
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	├── Subject: CN={role}-{nodeID}, O=Keyspace Cluster, OU=ck-{clusterKey}
	├── DNS Names: [node hostname]
	└── IP Addresses: [node IP]

Each node receives a unique certificate for mutual TLS authentication over
the migration fabric's peer connections. The OU field carries the Raft
membership generation the certificate was issued under (CertClusterKey);
CertStale compares it against the cluster's current ClusterKey so
pkg/cluster can tell a node identity minted before the last membership
change apart from one reflecting the current node set, alongside the
usual expiry-based CertNeedsRotation check.

## Client Certificates

Admin CLI clients also receive certificates for authentication:

	CLI Certificate
	├── 90-day validity
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ClientAuth
	└── Subject: CN=cli-{clientID}, O=Keyspace Cluster

# Usage Example

	import "github.com/keyspacedb/keyspace/pkg/security"

	clusterKey := security.DeriveKeyFromClusterID(clusterID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		panic(err)
	}

	ca := security.NewCertAuthority(store) // store implements CAStore
	if err := ca.Initialize(); err != nil {
		panic(err)
	}
	if err := ca.SaveToStore(); err != nil {
		panic(err)
	}

	tlsCert, err := ca.IssueNodeCertificate(nodeID, "voter", membershipGeneration, dnsNames, ipAddrs)
	if err != nil {
		panic(err)
	}

# Integration Points

## Storage Integration

The CA persists through the narrow CAStore interface (SaveCA/GetCA), not a
full storage.Store dependency — see pkg/cluster's node store for the
concrete backing implementation, keyed by the node's own bbolt database.

## mTLS Integration

Fabric connections between nodes use mTLS with CA-issued certificates:

	// Listener side
	creds := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool, // contains root CA
	}

	// Dialer side
	creds := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		RootCAs:      certPool,
	}

This ensures every fabric connection is encrypted and both ends are
authenticated against the cluster's CA.

# Certificate Caching

The CA caches issued certificates in memory (certCache[nodeID]), avoiding a
fresh RSA keypair generation on every call for a node that already holds a
valid certificate.

# Security Considerations

  - Compromise of the cluster encryption key exposes the CA private key.
  - Loss of the cluster ID makes the cluster's CA unrecoverable from backup.
  - Certificates expire after 90 days (nodes) or 10 years (root); rotation
    is manual today — CertNeedsRotation flags certificates within 30 days
    of expiry for callers to act on.

# See Also

  - pkg/cluster - node store backing CAStore, and cluster membership
  - pkg/fabric - the mTLS transport this package's certificates secure
*/
package security
