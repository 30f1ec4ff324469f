// Package fabric is the concrete transport the migration engine sends and
// receives through: Send(peer, msg, priority) with OK/QUEUE_FULL/NO_PEER/ERR
// results, Alloc/Put reference-counted messages, and Register for inbound
// dispatch by message type, per spec.md §1 and §4.5.
//
// TCPTransport holds one long-lived mTLS connection per peer, dialed lazily
// and redialed on drop, with a HIGH-priority queue drained ahead of a
// LOW-priority queue. The migration engine sends START, DONE and their
// acks HIGH, INSERT_ACKs LOW, and INSERTs at the configured
// migrate_xmit_priority (HIGH by default). Messages are length-prefixed tag-value frames (codec.go) decoded
// directly with encoding/binary, matching spec.md §4.5's big-endian wire
// tags.
package fabric
