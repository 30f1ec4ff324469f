package migrate

import (
	"sync/atomic"
	"time"

	"github.com/keyspacedb/keyspace/pkg/fabric"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/rs/zerolog"
)

// emigState is the emigration state machine's current phase, per spec.md
// §4.1.
type emigState int

const (
	stateStartPending emigState = iota
	stateSendingSubrecs
	stateSendingRecs
	stateDonePending
	stateDone
	stateErr
)

func (s emigState) String() string {
	switch s {
	case stateStartPending:
		return "START_PENDING"
	case stateSendingSubrecs:
		return "SENDING_SUBRECS"
	case stateSendingRecs:
		return "SENDING_RECS"
	case stateDonePending:
		return "DONE_PENDING"
	case stateDone:
		return "DONE"
	case stateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// JobFlagSecondaryRecords marks a job whose namespace has the secondary-
// record feature enabled: the emigration streams its sub-tree before its
// main tree and stamps every sub-record with a freshly minted version
// (spec.md §4.1's "Secondary records first").
const JobFlagSecondaryRecords uint32 = 1 << 0

// controlAck is one control-plane acknowledgment (a START_ACK_* or DONE_ACK)
// delivered to an emigration's control channel by the ack dispatcher
// (spec.md §4.4).
type controlAck struct {
	op fabric.Op
}

// emigConfig carries the subset of config.Migrate an emigration needs,
// resolved once at job start.
type emigConfig struct {
	xmitHWM        int
	xmitLWM        int
	xmitSleep      time.Duration
	xmitSleepEvery int
	readSleep      time.Duration
	readSleepEvery int
	retxMs         int64
	dataPriority   fabric.Priority
}

// backpressureSpin is the fixed sleep between high-water-mark polls while
// paused — bounded so a cluster-key change still aborts promptly (spec.md
// §4.1).
const backpressureSpin = 5 * time.Millisecond

// queueFullRetrySleep is how long sendInsert waits before retrying the same
// message after a QUEUE_FULL (spec.md §4.1: "sleep ~10ms and retry").
const queueFullRetrySleep = 10 * time.Millisecond

// retransmitPassSleep separates retransmit-table reduce passes (spec.md
// §4.1: "Between passes sleep ~50ms").
const retransmitPassSleep = 50 * time.Millisecond

// Emigration is the scheduled job of moving one partition to one
// destination node, and the state it accumulates while doing so (spec.md
// §3).
type Emigration struct {
	ID          uint32
	Namespace   types.Namespace
	PartitionID types.PartitionID
	Dest        types.NodeID
	ClusterKey  uint64
	TxFlags     uint32

	destAddr    string
	reservation *partition.Reservation

	state             atomic.Int32 // emigState, read concurrently by Dump
	clusterKeyAborted atomic.Bool
	version           uint64

	inflight    *inflightTable
	cachedStart *fabric.Message
	cachedDone  *fabric.Message

	controlCh chan controlAck

	transport    fabric.Transport
	store        *storage.Store
	cfg          emigConfig
	clusterKeyFn func() uint64
}

func newEmigration(id uint32, job Job, destAddr string, reservation *partition.Reservation, transport fabric.Transport, store *storage.Store, cfg emigConfig, clusterKeyFn func() uint64) *Emigration {
	e := &Emigration{
		ID:           id,
		Namespace:    job.Namespace,
		PartitionID:  job.PartitionID,
		Dest:         job.Destination,
		ClusterKey:   job.ClusterKey,
		TxFlags:      job.TxFlags,
		destAddr:     destAddr,
		reservation:  reservation,
		inflight:     newInflightTable(),
		controlCh:    make(chan controlAck, 8),
		transport:    transport,
		store:        store,
		cfg:          cfg,
		clusterKeyFn: clusterKeyFn,
	}
	if job.TxFlags&JobFlagSecondaryRecords != 0 {
		e.version = nextVersion()
	}
	return e
}

func (e *Emigration) setState(s emigState) { e.state.Store(int32(s)) }
func (e *Emigration) getState() emigState  { return emigState(e.state.Load()) }

// State returns the emigration's current state machine phase, for admin
// dump.
func (e *Emigration) State() string { return e.getState().String() }

// DestAddr returns the fabric address of this emigration's destination.
func (e *Emigration) DestAddr() string { return e.destAddr }

// InflightSize returns the current in-flight table size, for admin dump.
func (e *Emigration) InflightSize() int { return e.inflight.Len() }

func (e *Emigration) secondaryRecordsEnabled() bool {
	return e.TxFlags&JobFlagSecondaryRecords != 0
}

// pushControl delivers a control-plane ack to the emigration's worker. Send
// is non-blocking: a full channel means a duplicate ack for an already-
// handled phase transition, safely dropped (spec.md §5).
func (e *Emigration) pushControl(op fabric.Op) {
	select {
	case e.controlCh <- controlAck{op: op}:
	default:
	}
}

func (e *Emigration) checkClusterKey() bool {
	if e.clusterKeyFn() == e.ClusterKey {
		return true
	}
	e.clusterKeyAborted.Store(true)
	return false
}

// ClusterKeyAborted reports whether this emigration's terminal ERR state was
// caused by a cluster-key change rather than a transport or protocol
// failure, so the caller can attribute the right outcome metric.
func (e *Emigration) ClusterKeyAborted() bool { return e.clusterKeyAborted.Load() }

func (e *Emigration) awaitControl() (controlAck, bool) {
	select {
	case ack := <-e.controlCh:
		return ack, true
	case <-time.After(time.Duration(e.cfg.retxMs) * time.Millisecond):
		return controlAck{}, false
	}
}

// Run drives the emigration's state machine to a terminal outcome. It
// blocks the calling worker goroutine for the emigration's entire lifetime.
func (e *Emigration) Run() partition.TxResult {
	logger := log.WithEmigID(e.ID)
	for {
		switch e.getState() {
		case stateStartPending:
			e.runStartPending(logger)
		case stateSendingSubrecs:
			e.runSendingSubrecs(logger)
		case stateSendingRecs:
			e.runSendingRecs(logger)
		case stateDonePending:
			e.runDonePending(logger)
		case stateDone:
			e.release()
			return partition.TxDone
		case stateErr:
			e.release()
			return partition.TxErr
		}
	}
}

func (e *Emigration) runStartPending(logger zerolog.Logger) {
	if !e.checkClusterKey() {
		e.setState(stateErr)
		return
	}
	if err := e.sendStart(); err != nil {
		logger.Warn().Err(err).Msg("emigration: send START failed")
		e.setState(stateErr)
		return
	}
	ack, ok := e.awaitControl()
	if !ok {
		return // timeout: stay in stateStartPending, next loop retransmits
	}
	switch ack.op {
	case fabric.OpStartAckOK:
		e.setState(stateSendingSubrecs)
	case fabric.OpStartAckAlreadyDone:
		e.setState(stateDone)
	case fabric.OpStartAckFail:
		logger.Warn().Msg("emigration: destination refused START")
		e.setState(stateErr)
	case fabric.OpStartAckEagain:
		time.Sleep(time.Duration(e.cfg.retxMs) * time.Millisecond)
		// remain stateStartPending; next loop iteration resends START
	}
}

func (e *Emigration) runSendingSubrecs(logger zerolog.Logger) {
	if !e.checkClusterKey() {
		e.setState(stateErr)
		return
	}
	if e.secondaryRecordsEnabled() {
		if err := e.streamTree(true); err != nil {
			logger.Warn().Err(err).Msg("emigration: sub-record streaming failed")
			e.setState(stateErr)
			return
		}
	}
	e.setState(stateSendingRecs)
}

func (e *Emigration) runSendingRecs(logger zerolog.Logger) {
	if !e.checkClusterKey() {
		e.setState(stateErr)
		return
	}
	if err := e.streamTree(false); err != nil {
		logger.Warn().Err(err).Msg("emigration: record streaming failed")
		e.setState(stateErr)
		return
	}
	e.setState(stateDonePending)
}

func (e *Emigration) runDonePending(logger zerolog.Logger) {
	if !e.checkClusterKey() {
		e.setState(stateErr)
		return
	}
	if err := e.sendDone(); err != nil {
		logger.Warn().Err(err).Msg("emigration: send DONE failed")
		e.setState(stateErr)
		return
	}
	ack, ok := e.awaitControl()
	if !ok {
		return // timeout: stay in stateDonePending, next loop retransmits DONE
	}
	if ack.op == fabric.OpDoneAck {
		e.setState(stateDone)
	}
}

// sendStart allocates (once) and transmits the cached START message,
// re-transmitting the same cached copy on every retry so references taken
// per send survive individual send errors (spec.md §4.1).
func (e *Emigration) sendStart() error {
	if e.cachedStart == nil {
		msg := e.transport.Alloc(fabric.OpStart)
		msg.SetEmigID(e.ID).SetNamespace(string(e.Namespace)).SetPartition(uint32(e.PartitionID)).SetClusterKey(e.ClusterKey)
		if e.secondaryRecordsEnabled() {
			msg.SetVersion(e.version)
		}
		e.cachedStart = msg
	}
	return e.transmitCached(e.cachedStart)
}

func (e *Emigration) sendDone() error {
	if e.cachedDone == nil {
		msg := e.transport.Alloc(fabric.OpDone)
		msg.SetEmigID(e.ID).SetNamespace(string(e.Namespace)).SetPartition(uint32(e.PartitionID)).SetClusterKey(e.ClusterKey)
		e.cachedDone = msg
	}
	return e.transmitCached(e.cachedDone)
}

// transmitCached sends a cached control message at HIGH priority, taking a
// fresh reference for this attempt. QUEUE_FULL is treated as transient —
// the control-channel timeout loop will retry it on the next pass.
func (e *Emigration) transmitCached(msg *fabric.Message) error {
	msg.Take()
	result := e.transport.Send(e.destAddr, msg, fabric.High)
	if result == fabric.SendOK {
		return nil
	}
	msg.Put()
	if result == fabric.SendQueueFull {
		return nil
	}
	return ErrTransportFatal
}

// streamTree snapshots either the sub-record tree (subTree true) or the main
// tree (subTree false) under a single bbolt read transaction, releases that
// transaction, then streams the buffered records over the network — per
// spec.md §4.1, storage locks must not be held across the send/backpressure
// loop below, since a stalled peer would otherwise pin a read transaction
// open indefinitely and block bbolt page reuse.
func (e *Emigration) streamTree(subTree bool) error {
	idx := e.store.Index(e.Namespace, e.PartitionID)
	records, err := idx.Snapshot()
	if err != nil {
		return err
	}

	sent := 0
	for _, pr := range records {
		if pr.IsSubRecord != subTree {
			continue
		}
		if !e.checkClusterKey() {
			return ErrClusterKeyChanged
		}
		if err := e.waitForBackpressure(); err != nil {
			return err
		}
		if subTree {
			pr.Version = e.version
		}
		if err := e.sendInsert(pr); err != nil {
			return err
		}
		sent++
		if e.cfg.readSleepEvery > 0 && e.cfg.readSleep > 0 && sent%e.cfg.readSleepEvery == 0 {
			time.Sleep(e.cfg.readSleep)
		}
		if e.cfg.xmitSleepEvery > 0 && e.cfg.xmitSleep > 0 && sent%e.cfg.xmitSleepEvery == 0 {
			time.Sleep(e.cfg.xmitSleep)
		}
	}
	return e.drainInflight()
}

// waitForBackpressure pauses emission once in-flight entries reach the high
// water mark, resuming only once they drop back to the low water mark
// (spec.md §4.1).
func (e *Emigration) waitForBackpressure() error {
	if e.cfg.xmitHWM <= 0 || e.inflight.Len() < e.cfg.xmitHWM {
		return nil
	}
	for e.inflight.Len() > e.cfg.xmitLWM {
		if !e.checkClusterKey() {
			return ErrClusterKeyChanged
		}
		time.Sleep(backpressureSpin)
	}
	return nil
}

// sendInsert pickles one record into a fabric message, enrolls it in the
// in-flight table, and sends it at the configured data priority
// (migrate_xmit_priority), retrying in place on
// QUEUE_FULL without re-enrolling (spec.md §4.1).
func (e *Emigration) sendInsert(pr types.PickledRecord) error {
	insertID := nextInsertID()
	msg := e.transport.Alloc(fabric.OpInsert)
	msg.SetEmigID(e.ID).SetInsertID(insertID).SetNamespace(string(e.Namespace)).
		SetPartition(uint32(e.PartitionID)).SetDigest(pr.Digest).SetGeneration(pr.Generation).
		SetVoidTime(pr.VoidTime).SetRecord(pr.Body).SetClusterKey(e.ClusterKey)
	if pr.Props != nil {
		msg.SetRecProps(pr.Props)
	}

	var info uint32
	if pr.IsSubRecord {
		info |= fabric.InfoIsSubRec
	}
	if pr.IsESR {
		info |= fabric.InfoIsESR
	}
	if info != 0 {
		msg.SetInfo(info).SetPDigest(pr.ParentDigest).SetEDigest(pr.ESRDigest).
			SetPGeneration(pr.PGeneration).SetPVoidTime(pr.PVoidTime).SetVersion(pr.Version)
	}

	e.inflight.Insert(insertID, msg)

	for {
		msg.Take()
		result := e.transport.Send(e.destAddr, msg, e.cfg.dataPriority)
		switch result {
		case fabric.SendOK:
			if pr.IsSubRecord {
				metrics.MigrateSubRecordsSentTotal.WithLabelValues(string(e.Namespace)).Inc()
			} else {
				metrics.MigrateInsertsSentTotal.WithLabelValues(string(e.Namespace)).Inc()
			}
			return nil
		case fabric.SendQueueFull:
			msg.Put()
			time.Sleep(queueFullRetrySleep)
			continue
		default:
			msg.Put()
			if m, ok := e.inflight.Remove(insertID); ok {
				m.Put()
			}
			return ErrTransportFatal
		}
	}
}

// drainInflight retransmits every stale in-flight entry until the table is
// empty, per spec.md §4.1's retransmit loop.
func (e *Emigration) drainInflight() error {
	for e.inflight.Len() > 0 {
		if !e.checkClusterKey() {
			return ErrClusterKeyChanged
		}
		stale := e.inflight.Stale(e.cfg.retxMs)
		for _, si := range stale {
			si.msg.Take()
			result := e.transport.Send(e.destAddr, si.msg, e.cfg.dataPriority)
			if result == fabric.SendOK {
				e.inflight.Touch(si.insertID)
				metrics.MigrateRetransmitsTotal.WithLabelValues(string(e.Namespace)).Inc()
				continue
			}
			si.msg.Put()
			if result != fabric.SendQueueFull {
				return ErrTransportFatal
			}
		}
		time.Sleep(retransmitPassSleep)
	}
	return nil
}

// onInsertAck removes insertID's in-flight entry and releases its
// reference, per spec.md §4.4.
func (e *Emigration) onInsertAck(insertID uint32) {
	if msg, ok := e.inflight.Remove(insertID); ok {
		msg.Put()
	}
}

// release frees every reference this emigration still holds, called once
// its state machine reaches a terminal state.
func (e *Emigration) release() {
	if e.cachedStart != nil {
		e.cachedStart.Put()
		e.cachedStart = nil
	}
	if e.cachedDone != nil {
		e.cachedDone.Put()
		e.cachedDone = nil
	}
	for _, msg := range e.inflight.Drain() {
		msg.Put()
	}
}
