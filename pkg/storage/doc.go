// Package storage is the record/storage layer spec.md's migration engine
// treats as an external collaborator: one bbolt bucket per (namespace,
// partition), keyed by record digest, storing pickled records.
//
// Index.Snapshot copies a partition's records out of one read transaction
// for an emigration to send; Index.Reduce visits them in place. Index.Flatten merges an inbound record on the immigration side,
// applying the (generation, void-time) winner rule so replays and
// out-of-order delivery are idempotent. This package holds no cluster
// membership or certificate authority state — see pkg/cluster for that.
package storage
