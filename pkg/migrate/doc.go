// Package migrate is the partition migration engine: it moves a partition's
// ownership and contents from one node to another when cluster membership
// changes, via the wire protocol in pkg/fabric's codec.
//
// Two symmetric sides run on every node. The emigration (sender) side pops
// jobs from a priority queue and drives each through a three-phase protocol,
// START -> INSERT* -> DONE, against a destination node. The immigration
// (receiver) side tracks one inbound partition per (source node, emig_id)
// and applies its INSERTs to local storage as they arrive, tolerating
// reordering and duplicates.
//
// Delivery is at-least-once: a dropped ack causes a retransmit, and storage
// merge is idempotent under (generation, void-time) winner rules, so a
// duplicate INSERT is harmless. There is no persistence of migration
// progress — a process restart drops all in-flight migrations, which is
// recovered from by the partition manager re-driving a rebalance.
//
// Every message carries a cluster-key snapshot. A mismatch against the
// current cluster key is the universal cancellation signal: it aborts the
// emigration with an error, or causes the immigration to answer AGAIN,
// without any explicit cancel opcode.
package migrate
