package migrate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/fabric"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/rs/zerolog"
)

// PeerResolver maps a destination node id to the fabric address an
// emigration should dial, so the migrate engine never has to know how
// cluster membership is stored.
type PeerResolver interface {
	ResolveAddr(id types.NodeID) (string, error)
}

// desyncRequeueSleep separates DESYNC re-queue attempts (spec.md §9's
// undocumented, possibly-dead race path).
const desyncRequeueSleep = 20 * time.Millisecond

// Engine owns every piece of process-wide migration state: the scheduler,
// both registries, the reaper, and the worker pool driving emigrations.
// Exactly one Engine runs per node.
type Engine struct {
	scheduler *Scheduler
	emigs     *emigrationRegistry
	imms      *immigrationRegistry
	rp        *reaper

	transport  fabric.Transport
	store      *storage.Store
	partitions *partition.Manager
	resolver   PeerResolver
	cfg        config.Migrate

	workerCount atomic.Int32
	workerWG    sync.WaitGroup
}

// NewEngine wires an Engine against its collaborators. Call Init before
// Emigrate or SetWorkerCount.
func NewEngine(transport fabric.Transport, store *storage.Store, partitions *partition.Manager, resolver PeerResolver, cfg config.Migrate) *Engine {
	e := &Engine{
		emigs:      newEmigrationRegistry(),
		imms:       newImmigrationRegistry(),
		transport:  transport,
		store:      store,
		partitions: partitions,
		resolver:   resolver,
		cfg:        cfg,
	}
	e.scheduler = NewScheduler(e.partitionState, e.partitionSize)
	e.rp = newReaper(e.imms, int64(cfg.MigrateRxLifetimeMS), partitions.ClusterKey)
	return e
}

// Init registers the fabric handler, starts the reaper, and brings the
// worker pool up to its configured size.
func (e *Engine) Init() error {
	if err := e.transport.Register(fabric.MigrateMessageType, e.onMessage); err != nil {
		return fmt.Errorf("migrate: register fabric handler: %w", err)
	}
	e.rp.Start()
	e.SetWorkerCount(e.cfg.NMigrateThreads)
	return nil
}

// Stop tears down the worker pool and the reaper. Queued jobs are left in
// the scheduler, matching spec.md §8's "resize down to zero... without
// losing queued jobs".
func (e *Engine) Stop() {
	e.scheduler.Close()
	e.workerWG.Wait()
	e.rp.Stop()
}

func (e *Engine) partitionState(ns types.Namespace, pid types.PartitionID) types.PartitionState {
	return e.partitions.State(partition.Key{Namespace: ns, Partition: pid})
}

func (e *Engine) partitionSize(ns types.Namespace, pid types.PartitionID) int {
	n, err := e.store.Index(ns, pid).Count()
	if err != nil {
		return 0
	}
	return n
}

// Emigrate schedules a partition for migration to a destination node.
// highPriority marks it "state done" per spec.md §4.1's middle sort tier —
// callers pass true for jobs the rebalancer already knows are urgent.
func (e *Engine) Emigrate(job Job, highPriority bool) {
	e.scheduler.Enqueue(job, highPriority)
}

// IsIncoming answers whether a secondary record with this version and
// partition id is currently mid-import in the given phase — used by the
// storage layer to recognize and reject a stale re-import (spec.md §4.1).
func (e *Engine) IsIncoming(version uint64, pid types.PartitionID, phase Phase) bool {
	return e.imms.lookupByVersion(version, pid, phase)
}

// IsEmigrating reports whether a partition already has a live emigration in
// flight, so the rebalancer's reconcile loop doesn't enqueue a second job
// for the same partition on every tick while the first is still running.
func (e *Engine) IsEmigrating(ns types.Namespace, pid types.PartitionID) bool {
	found := false
	e.emigs.forEach(func(em *Emigration) {
		if em.Namespace == ns && em.PartitionID == pid {
			found = true
		}
	})
	return found
}

// SetWorkerCount resizes the worker pool at runtime: growing spawns new
// goroutines immediately, shrinking injects terminator sentinels that each
// retire exactly one worker without discarding queued jobs.
func (e *Engine) SetWorkerCount(n int) {
	if n < 0 {
		n = 0
	}
	for {
		cur := e.workerCount.Load()
		if int(cur) == n {
			return
		}
		if int(cur) < n {
			if !e.workerCount.CompareAndSwap(cur, cur+1) {
				continue
			}
			e.workerWG.Add(1)
			go e.workerLoop()
			continue
		}
		if !e.workerCount.CompareAndSwap(cur, cur-1) {
			continue
		}
		e.scheduler.EnqueueTerminate()
	}
}

func (e *Engine) workerLoop() {
	defer e.workerWG.Done()
	logger := log.WithComponent("migrate-worker")
	for {
		job, terminate, ok := e.scheduler.Pop()
		if !ok || terminate {
			return
		}
		e.runJob(job, logger)
	}
}

// runJob drives one emigration job from reservation through terminal
// outcome, per spec.md §4's worker lifecycle.
func (e *Engine) runJob(job Job, logger zerolog.Logger) {
	key := partition.Key{Namespace: job.Namespace, Partition: job.PartitionID}

	if e.partitions.State(key) == types.PartitionDesync {
		// Rare re-queue race (spec.md §9's undocumented, possibly-dead
		// path): the job was scheduled against a partition that is
		// concurrently mid-immigration on this same node. Back off and
		// retry rather than racing the immigration to admission.
		time.Sleep(desyncRequeueSleep)
		e.scheduler.Enqueue(job, false)
		return
	}

	reservation, err := e.partitions.Reserve(key)
	if err != nil {
		logger.Error().Err(err).Str("partition", key.String()).Msg("migrate: reserve failed")
		return
	}

	destAddr, err := e.resolver.ResolveAddr(job.Destination)
	if err != nil {
		logger.Warn().Err(err).Str("dest", string(job.Destination)).Msg("migrate: resolve destination failed")
		reservation.Release()
		e.partitions.MigrateTxNotify(key, partition.TxErr)
		return
	}

	id := nextEmigID()
	emig := newEmigration(id, job, destAddr, reservation, e.transport, e.store, e.emigConfig(), e.partitions.ClusterKey)
	e.emigs.register(emig)
	metrics.MigrateEmigrationsActive.Inc()

	timer := metrics.NewTimer()
	result := emig.Run()
	timer.ObserveDurationVec(metrics.MigrateDuration, string(job.Namespace), "tx")

	e.emigs.remove(id)
	metrics.MigrateEmigrationsActive.Dec()

	if result == partition.TxErr && emig.ClusterKeyAborted() {
		metrics.MigrateCancelledTotal.WithLabelValues(string(job.Namespace)).Inc()
	}

	reservation.Release()
	e.partitions.MigrateTxNotify(key, result)
}

// emigConfig resolves the engine's configured knobs into the per-emigration
// settings struct, parsing the xmit-priority knob into a fabric.Priority
// (spec.md §6: migrate_xmit_priority).
func (e *Engine) emigConfig() emigConfig {
	return emigConfig{
		xmitHWM:        e.cfg.MigrateXmitHWM,
		xmitLWM:        e.cfg.MigrateXmitLWM,
		xmitSleep:      e.cfg.MigrateXmitSleep,
		xmitSleepEvery: 1,
		readSleep:      e.cfg.MigrateReadSleep,
		readSleepEvery: 1,
		retxMs:         int64(e.cfg.TransactionRetryMS),
		dataPriority:   parsePriority(e.cfg.MigrateXmitPriority),
	}
}

func parsePriority(s string) fabric.Priority {
	if s == "high" {
		return fabric.High
	}
	return fabric.Low
}

// onMessage is the fabric-registered handler: it dispatches by opcode per
// spec.md §4.2/§4.4. It runs on the transport's receive-dispatcher
// goroutine; none of the handlers below block on anything but registry and
// table locks.
func (e *Engine) onMessage(peer string, msg *fabric.Message) {
	switch msg.Op {
	case fabric.OpStart:
		e.handleStart(peer, msg)
	case fabric.OpInsert:
		e.handleInsert(peer, msg)
	case fabric.OpDone, fabric.OpCancel:
		e.handleDone(peer, msg)
	case fabric.OpInsertAck:
		e.handleInsertAck(peer, msg)
	case fabric.OpStartAckOK, fabric.OpStartAckEagain, fabric.OpStartAckFail, fabric.OpStartAckAlreadyDone, fabric.OpDoneAck:
		e.handleControlAck(peer, msg)
	}
}

// handleStart admits (or refuses) a new immigration, per spec.md §4.2.
func (e *Engine) handleStart(peer string, msg *fabric.Message) {
	source := types.NodeID(peer)
	ns := types.Namespace(msg.Namespace)
	pid := types.PartitionID(msg.Partition)
	key := partition.Key{Namespace: ns, Partition: pid}

	if msg.ClusterKey != e.partitions.ClusterKey() {
		e.replyControl(peer, fabric.OpStartAckEagain, msg.EmigID)
		return
	}

	switch e.partitions.MigrateRxNotify(key, partition.RxAdmit) {
	case partition.AdmitFail:
		e.replyControl(peer, fabric.OpStartAckFail, msg.EmigID)
		return
	case partition.AdmitAgain:
		e.replyControl(peer, fabric.OpStartAckEagain, msg.EmigID)
		return
	case partition.AdmitAlreadyDone:
		e.replyControl(peer, fabric.OpStartAckAlreadyDone, msg.EmigID)
		return
	}

	reservation, err := e.partitions.Reserve(key)
	if err != nil {
		e.replyControl(peer, fabric.OpStartAckFail, msg.EmigID)
		return
	}
	if e.partitions.ClusterKey() != msg.ClusterKey {
		reservation.Release()
		e.replyControl(peer, fabric.OpStartAckEagain, msg.EmigID)
		return
	}

	imm := newImmigration(source, msg.EmigID, ns, pid, msg.ClusterKey, msg.Version, reservation)
	if !e.imms.insertIfAbsent(imm.key(), imm) {
		// Duplicate START for an immigration already admitted — discard
		// silently and release the redundant reservation.
		reservation.Release()
		e.replyControl(peer, fabric.OpStartAckOK, msg.EmigID)
		return
	}
	metrics.MigrateImmigrationsActive.Inc()
	e.replyControl(peer, fabric.OpStartAckOK, msg.EmigID)
}

// handleInsert merges one inbound record, per spec.md §4.2.
func (e *Engine) handleInsert(peer string, msg *fabric.Message) {
	key := immigrationKey{Source: types.NodeID(peer), EmigID: msg.EmigID}
	imm, ok := e.imms.lookup(key)
	if !ok {
		// Belongs to a prior cluster key or an immigration already reaped.
		// ACK anyway so the sender drains its in-flight table.
		e.replyInsertAck(peer, msg.EmigID, msg.InsertID)
		return
	}
	if imm.ClusterKey != e.partitions.ClusterKey() {
		// Drop without ACK: the sender will observe its own cluster-key
		// change and stop retransmitting.
		return
	}

	pr := decodeInsert(msg)
	if !pr.IsSubRecord {
		imm.AdvanceToRecordPhase()
	}

	if err := e.store.Index(imm.Namespace, imm.PartitionID).Flatten(pr); err != nil {
		if err != storage.ErrBenignRace {
			log.WithComponent("migrate").Warn().Err(err).
				Str("partition", fmt.Sprintf("%s/%d", imm.Namespace, imm.PartitionID)).
				Msg("migrate: flatten failed, dropping insert without ack")
			return
		}
		log.WithComponent("migrate").Warn().Err(err).Msg("migrate: benign storage race, treating insert as applied")
	}

	metrics.MigrateInsertsAppliedTotal.WithLabelValues(string(imm.Namespace)).Inc()
	e.replyInsertAck(peer, msg.EmigID, msg.InsertID)
}

func decodeInsert(msg *fabric.Message) types.PickledRecord {
	pr := types.PickledRecord{
		Digest:     msg.Digest,
		Generation: msg.Generation,
		VoidTime:   msg.VoidTime,
		Body:       msg.Record,
		Props:      msg.RecProps,
	}
	if msg.HasInfo(fabric.InfoIsSubRec) {
		pr.IsSubRecord = true
	}
	if msg.HasInfo(fabric.InfoIsESR) {
		pr.IsESR = true
	}
	if pr.IsSubRecord || pr.IsESR {
		pr.ParentDigest = msg.PDigest
		pr.ESRDigest = msg.EDigest
		pr.PGeneration = msg.PGeneration
		pr.PVoidTime = msg.PVoidTime
		pr.Version = msg.Version
	}
	return pr
}

// handleDone finalizes an immigration, per spec.md §4.2. Subsequent DONEs
// for the same immigration are no-ops but are still ACKed.
func (e *Engine) handleDone(peer string, msg *fabric.Message) {
	key := immigrationKey{Source: types.NodeID(peer), EmigID: msg.EmigID}
	imm, ok := e.imms.lookup(key)
	if !ok {
		e.replyControl(peer, fabric.OpDoneAck, msg.EmigID)
		return
	}

	if imm.MarkDone() {
		pkey := partition.Key{Namespace: imm.Namespace, Partition: imm.PartitionID}
		e.partitions.MigrateRxNotify(pkey, partition.RxDone)
		metrics.MigrateImmigrationsActive.Dec()
		if e.cfg.MigrateRxLifetimeMS == 0 {
			e.imms.remove(key)
			if imm.reservation != nil {
				imm.reservation.Release()
			}
		}
	}
	e.replyControl(peer, fabric.OpDoneAck, msg.EmigID)
}

// handleInsertAck releases an emigration's in-flight entry, per spec.md
// §4.4. Acks from an unexpected peer are ignored.
func (e *Engine) handleInsertAck(peer string, msg *fabric.Message) {
	emig, ok := e.emigs.lookup(msg.EmigID)
	if !ok {
		return
	}
	if emig.DestAddr() != peer {
		log.WithComponent("migrate").Warn().Str("peer", peer).Str("expected", emig.DestAddr()).
			Uint32("emig_id", msg.EmigID).Msg("migrate: insert ack from unexpected peer, ignored")
		return
	}
	emig.onInsertAck(msg.InsertID)
}

// handleControlAck forwards a START_ACK_*/DONE_ACK onto its emigration's
// control channel, per spec.md §4.4.
func (e *Engine) handleControlAck(peer string, msg *fabric.Message) {
	emig, ok := e.emigs.lookup(msg.EmigID)
	if !ok {
		return
	}
	if emig.DestAddr() != peer {
		return
	}
	emig.pushControl(msg.Op)
}

func (e *Engine) replyControl(peer string, op fabric.Op, emigID uint32) {
	msg := e.transport.Alloc(op)
	msg.SetEmigID(emigID)
	result := e.transport.Send(peer, msg, fabric.High)
	if result != fabric.SendOK {
		msg.Put()
	}
}

func (e *Engine) replyInsertAck(peer string, emigID, insertID uint32) {
	msg := e.transport.Alloc(fabric.OpInsertAck)
	msg.SetEmigID(emigID).SetInsertID(insertID)
	result := e.transport.Send(peer, msg, fabric.Low)
	if result != fabric.SendOK {
		msg.Put()
	}
}

// EmigrationSnapshot is one emigration's state, for admin dump.
type EmigrationSnapshot struct {
	ID          uint32
	Namespace   types.Namespace
	PartitionID types.PartitionID
	Dest        types.NodeID
	State       string
	InflightLen int
}

// ImmigrationSnapshot is one immigration's state, for admin dump.
type ImmigrationSnapshot struct {
	Source      types.NodeID
	EmigID      uint32
	Namespace   types.Namespace
	PartitionID types.PartitionID
	Phase       string
	DoneRecv    bool
	StartedAt   time.Time
}

// DumpResult is the engine's complete observable state, rendered as JSON by
// the admin API's GET /migrations endpoint.
type DumpResult struct {
	QueueLen     int
	WorkerCount  int
	Emigrations  []EmigrationSnapshot
	Immigrations []ImmigrationSnapshot
}

// Dump snapshots the engine's current state. When verbose is false, the
// per-emigration/immigration slices are omitted (only the counts matter).
func (e *Engine) Dump(verbose bool) DumpResult {
	out := DumpResult{
		QueueLen:    e.scheduler.Len(),
		WorkerCount: int(e.workerCount.Load()),
	}
	if !verbose {
		return out
	}
	e.emigs.forEach(func(em *Emigration) {
		out.Emigrations = append(out.Emigrations, EmigrationSnapshot{
			ID:          em.ID,
			Namespace:   em.Namespace,
			PartitionID: em.PartitionID,
			Dest:        em.Dest,
			State:       em.State(),
			InflightLen: em.InflightSize(),
		})
	})
	e.imms.forEach(func(im *Immigration) {
		out.Immigrations = append(out.Immigrations, ImmigrationSnapshot{
			Source:      im.Source,
			EmigID:      im.EmigID,
			Namespace:   im.Namespace,
			PartitionID: im.PartitionID,
			Phase:       im.Phase().String(),
			DoneRecv:    im.DoneReceived(),
			StartedAt:   im.StartedAt(),
		})
	})
	return out
}
