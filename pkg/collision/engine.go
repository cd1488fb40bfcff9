package collision

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"gridworks/pkg/config"
	"gridworks/pkg/helper/log"
	"gridworks/pkg/metrics"
)

// Engine is the per-node collision controller. One Engine instance is
// wired to the job execution engine's collision callback and to exactly
// one Transport.
type Engine struct {
	cfg       config.CollisionConfig
	table     *NodeTable
	transport Transport
	logger    log.Logger
	metrics   *metrics.Registry

	stealReqs          atomic.Int64
	totalStolenJobsNum atomic.Uint64
	runningNum         atomic.Int64
	waitingNum         atomic.Int64
	heldNum            atomic.Int64

	listener atomic.Pointer[func()]
}

// NewEngine builds a collision engine over the given configuration, node
// table and transport.
func NewEngine(cfg config.CollisionConfig, table *NodeTable, transport Transport, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewBasicLogger(log.InfoLevel)
	}
	return &Engine{
		cfg:       cfg,
		table:     table,
		transport: transport,
		logger:    logger,
	}
}

// Start registers the engine's steal-request handler with the transport.
// Call once, after Seed.
func (e *Engine) Start() {
	e.transport.AddMessageListener(CollisionTopic, e.OnStealRequest)
}

// Seed bootstraps the node table from an initial discovery snapshot.
func (e *Engine) Seed(nodes []ClusterNode) {
	e.table.Seed(nodes)
}

// SetMetricsRegistry wires a Prometheus registry into the engine. When set,
// every OnCollision pass and steal request publishes its accounting to it.
func (e *Engine) SetMetricsRegistry(reg *metrics.Registry) {
	e.metrics = reg
	if reg != nil {
		reg.SetCollisionConfig(e.cfg.ActiveJobsThreshold, e.cfg.WaitJobsThreshold, e.cfg.MaxStealingAttempts, e.cfg.MsgExpireTime.Seconds())
	}
}

// OnListener registers a callback invoked after every inbound steal
// request is processed, for management/observability hooks.
func (e *Engine) OnListener(fn func()) {
	e.listener.Store(&fn)
}

// SetStealReqs seeds the global pending-steal counter directly. Production
// code never needs this: stealReqs is normally only mutated by
// OnStealRequest and checkBusy. It exists for tests that need to exercise
// checkBusy's stealing branch without an end-to-end message round trip.
func (e *Engine) SetStealReqs(n int64) {
	e.stealReqs.Store(n)
}

// RunningJobs, WaitingJobs, HeldJobs, PendingSteals and TotalStolenJobs
// report the last OnCollision snapshot for management/metrics surfaces.
func (e *Engine) RunningJobs() int64       { return e.runningNum.Load() }
func (e *Engine) WaitingJobs() int64       { return e.waitingNum.Load() }
func (e *Engine) HeldJobs() int64          { return e.heldNum.Load() }
func (e *Engine) PendingSteals() int64     { return e.stealReqs.Load() }
func (e *Engine) TotalStolenJobs() uint64  { return e.totalStolenJobsNum.Load() }

// OnCollision is the collision callback: a snapshot of the current job
// populations is handed in, and the engine activates, rejects or requests
// jobs in response.
func (e *Engine) OnCollision(cctx CollisionContext) {
	active := cctx.Active()
	waiting := cctx.Waiting()
	held := cctx.Held()

	e.runningNum.Store(int64(len(active)))
	e.waitingNum.Store(int64(len(waiting)))
	e.heldNum.Store(int64(len(held)))

	rejected := e.checkBusy(waiting, active)
	e.totalStolenJobsNum.Add(uint64(rejected))

	if e.metrics != nil {
		e.metrics.SetCollisionSnapshot(int64(len(active)), int64(len(waiting)), int64(len(held)), e.stealReqs.Load())
		e.metrics.RecordJobsStolen(rejected)
	}

	if rejected > 0 {
		return
	}

	if e.cfg.StealingEnabled {
		e.checkIdle(waiting, active)
	}
}

// checkBusy walks the waiting jobs in descending priority order, activating
// jobs while there is spare active-job capacity and, once that capacity is
// exhausted, surrendering jobs to peers that have an outstanding steal
// request until the wait threshold is satisfied. It returns the number of
// jobs rejected (surrendered) on this pass.
func (e *Engine) checkBusy(waiting, active []CollisionJobContext) int {
	waitPri := make([]CollisionJobContext, len(waiting))
	copy(waitPri, waiting)
	sort.SliceStable(waitPri, func(i, j int) bool {
		return e.priority(waitPri[i]) > e.priority(waitPri[j])
	})

	currentActive := len(active)
	activated := 0
	rejected := 0

	for _, w := range waitPri {
		if currentActive+activated < e.cfg.ActiveJobsThreshold {
			w.Lock()
			err := w.Activate()
			w.Unlock()
			if err != nil {
				e.logger.WithError(err).Warn("failed to activate waiting job")
				continue
			}
			activated++
			continue
		}

		if e.stealReqs.Load() <= 0 {
			break
		}
		if w.StealingDisabled() {
			continue
		}

		attempt := e.readIntAttr(w, StealingAttemptCountAttr, 0)
		if attempt >= e.cfg.MaxStealingAttempts {
			continue
		}

		jobsToReject := len(waitPri) - activated - rejected - e.cfg.WaitJobsThreshold
		if jobsToReject <= 0 {
			break
		}

		pri := e.readIntAttr(w, StealingPriorityAttr, 0)
		if e.assignThief(w, pri, attempt) {
			rejected++
		}
	}

	return rejected
}

// assignThief searches the live peers that have announced a pending steal
// request for one whose topology allows w to run there, then surrenders w
// to the first such candidate. At most one peer is tried per call: it is
// the caller's job to move on to the next waiting job regardless of the
// outcome.
func (e *Engine) assignThief(w CollisionJobContext, pri, attempt int) bool {
	for nodeID, info := range e.table.InboundSnapshot() {
		if !e.table.IsLive(nodeID) {
			e.table.Leave(nodeID)
			continue
		}

		info.mu.Lock()

		if info.jobsToSteal == 0 {
			info.mu.Unlock()
			continue
		}

		if time.Since(info.ts) >= e.cfg.MsgExpireTime {
			e.stealReqs.Add(-int64(info.jobsToSteal))
			info.jobsToSteal = 0
			info.ts = time.Now()
			info.mu.Unlock()
			continue
		}

		if _, ok := w.Topology()[nodeID]; !ok {
			info.mu.Unlock()
			continue
		}

		if e.stealReqs.Load() <= 0 {
			info.mu.Unlock()
			break
		}

		rejected := e.assignThiefLocked(w, nodeID, pri, attempt, info)
		info.mu.Unlock()
		return rejected
	}
	return false
}

// assignThiefLocked performs the actual surrender. The caller must hold
// info.mu; jobContext's own lock is acquired and released inside, keeping
// the lock order info -> jobContext consistent everywhere in the engine.
func (e *Engine) assignThiefLocked(w CollisionJobContext, nodeID NodeID, pri, attempt int, info *MessageInfo) bool {
	w.Lock()
	if _, exists := w.Attr(ThiefNodeAttr); exists {
		w.Unlock()
		return false
	}
	w.SetAttr(ThiefNodeAttr, nodeID)
	w.SetAttr(StealingAttemptCountAttr, attempt+1)
	w.SetAttr(StealingPriorityAttr, pri+1)
	w.Unlock()

	preDecrement := e.stealReqs.Add(-1) + 1
	ok, err := w.Cancel()
	if err != nil {
		e.logger.WithError(err).Warn("cancel failed while surrendering job to peer")
	}

	if ok && preDecrement >= 0 {
		info.jobsToSteal--
		return true
	}

	w.Lock()
	w.DeleteAttr(ThiefNodeAttr)
	w.SetAttr(StealingAttemptCountAttr, attempt)
	w.SetAttr(StealingPriorityAttr, pri)
	w.Unlock()
	e.stealReqs.Add(1)
	return false
}

// checkIdle polls peers round-robin looking for ones overloaded enough to
// warrant a steal request, until this node's own spare capacity
// (waitThreshold+activeThreshold minus current population) is exhausted.
func (e *Engine) checkIdle(waiting, active []CollisionJobContext) {
	capacity := e.cfg.WaitJobsThreshold + e.cfg.ActiveJobsThreshold
	jobsLeft := capacity - (len(waiting) + len(active))
	if jobsLeft <= 0 {
		return
	}

	nodeCnt := e.table.Count()
	for i := 0; i < nodeCnt && jobsLeft > 0; i++ {
		next, ok := e.table.PollNext()
		if !ok {
			break
		}
		jobsLeft = e.pollPeer(next, jobsLeft)
	}
}

// pollPeer evaluates a single round-robin candidate and returns the
// updated jobsLeft budget.
func (e *Engine) pollPeer(next ClusterNode, jobsLeft int) int {
	if !next.Alive() {
		e.table.Leave(next.ID())
		return jobsLeft
	}
	defer e.table.Requeue(next)

	attrs := next.Attributes()
	for k, v := range e.cfg.StealingAttributes {
		if attrs[k] != v {
			e.logger.WithField("peer", string(next.ID())).Debug("peer missing required stealing attribute, skipping")
			return jobsLeft
		}
	}

	snd, ok := e.table.Outbound(next.ID())
	if !ok {
		return jobsLeft
	}

	waitThresholdStr, ok := attrs[WaitJobsThresholdAttr]
	if !ok {
		e.logger.WithField("peer", string(next.ID())).Error("peer is not running the collision controller", nil)
		return jobsLeft
	}
	waitThreshold, err := strconv.Atoi(waitThresholdStr)
	if err != nil {
		e.logger.WithError(err).Warn("peer advertised a non-integer wait threshold")
		return jobsLeft
	}

	delta := next.Metrics().CurrentWaitingJobs - waitThreshold
	if delta <= 0 {
		return jobsLeft
	}

	snd.mu.Lock()
	if snd.jobsToSteal > 0 && time.Since(snd.ts) < e.cfg.MsgExpireTime {
		jobsLeft -= snd.jobsToSteal
		snd.mu.Unlock()
		return jobsLeft
	}
	if delta > jobsLeft {
		delta = jobsLeft
	}
	jobsLeft -= delta
	snd.jobsToSteal = delta
	snd.ts = time.Now()
	snd.mu.Unlock()

	if err := e.transport.Send(context.Background(), next, StealRequest{Delta: int32(delta)}, CollisionTopic); err != nil {
		e.logger.WithError(err).Warn("failed to send steal request, rolling back")
		jobsLeft += delta
		snd.mu.Lock()
		snd.jobsToSteal = 0
		snd.mu.Unlock()
	} else if e.metrics != nil {
		e.metrics.RecordStealRequestSent()
	}

	return jobsLeft
}

// OnStealRequest is the transport's inbound message handler: from has
// announced an absolute pending-steal capacity of msg.Delta, replacing
// whatever it previously announced.
func (e *Engine) OnStealRequest(from NodeID, msg StealRequest) {
	info, ok := e.table.Inbound(from)
	if !ok {
		// Discovery hasn't delivered the join event for this peer yet.
		return
	}

	info.mu.Lock()
	e.stealReqs.Add(int64(msg.Delta) - int64(info.jobsToSteal))
	info.jobsToSteal = int(msg.Delta)
	info.ts = time.Now()
	info.mu.Unlock()

	if fn := e.listener.Load(); fn != nil {
		(*fn)()
	}
}

// OnNodeJoined, OnNodeLeft and OnNodeFailed are the membership hooks
// discovery drives the engine with after Seed has run.
func (e *Engine) OnNodeJoined(n ClusterNode) { e.table.Join(n) }
func (e *Engine) OnNodeLeft(id NodeID)       { e.table.Leave(id) }
func (e *Engine) OnNodeFailed(id NodeID)     { e.table.Leave(id) }

// ConsistentAttributes compares a peer's published collision attributes
// against this node's own configuration and returns the keys that disagree,
// to help operators spot a misconfigured cluster before it causes silent
// steal-request thrashing.
func (e *Engine) ConsistentAttributes(peerAttrs map[string]string) []string {
	var mismatches []string
	if v, ok := peerAttrs[MaxStealingAttemptAttr]; ok && v != strconv.Itoa(e.cfg.MaxStealingAttempts) {
		mismatches = append(mismatches, MaxStealingAttemptAttr)
	}
	if v, ok := peerAttrs[MsgExpireTimeAttr]; ok && v != e.cfg.MsgExpireTime.String() {
		mismatches = append(mismatches, MsgExpireTimeAttr)
	}
	return mismatches
}

// priority reads a job's surrender priority, defaulting to 0 and logging a
// warning on each read of an attribute that has been set to a non-integer
// value by a misbehaving caller.
func (e *Engine) priority(w CollisionJobContext) int {
	return e.readIntAttr(w, StealingPriorityAttr, 0)
}

func (e *Engine) readIntAttr(w CollisionJobContext, key string, def int) int {
	w.Lock()
	v, ok := w.Attr(key)
	w.Unlock()
	if !ok {
		return def
	}
	n, ok := v.(int)
	if !ok {
		e.logger.WithField("attribute", key).Warn("job context attribute has unexpected type, using default")
		return def
	}
	return n
}
