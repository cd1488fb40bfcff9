package collision

import (
	"testing"
	"time"

	"gridworks/pkg/config"
	"gridworks/pkg/helper/log"
)

func testConfig() config.CollisionConfig {
	return config.CollisionConfig{
		ActiveJobsThreshold: 3,
		WaitJobsThreshold:   2,
		MsgExpireTime:       time.Minute,
		MaxStealingAttempts: 5,
		StealingEnabled:     true,
	}
}

func newTestEngine(cfg config.CollisionConfig, transport Transport) *Engine {
	return NewEngine(cfg, NewNodeTable(), transport, log.NewBasicLogger(log.FatalLevel))
}

func TestOnCollisionActivatesUpToThreshold(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(cfg, newFakeTransport())

	active := []CollisionJobContext{newFakeJobContext()}
	w1, w2, w3 := newFakeJobContext(), newFakeJobContext(), newFakeJobContext()
	waiting := []CollisionJobContext{w1, w2, w3}

	e.OnCollision(&fakeCollisionContext{active: active, waiting: waiting})

	activated := 0
	for _, w := range []*fakeJobContext{w1, w2, w3} {
		activated += w.activated
	}
	if activated != 2 {
		t.Fatalf("activated = %d, want 2 (threshold 3 minus 1 already active)", activated)
	}
	if e.RunningJobs() != 1 || e.WaitingJobs() != 3 {
		t.Fatalf("unexpected snapshot: running=%d waiting=%d", e.RunningJobs(), e.WaitingJobs())
	}
}

func TestOnCollisionRejectsWhenBusyAndStealRequested(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(cfg, newFakeTransport())

	peer := NodeID("peer-1")
	e.table.Join(&fakeClusterNode{id: peer, alive: true})
	info, _ := e.table.Inbound(peer)
	info.mu.Lock()
	info.jobsToSteal = 1
	info.ts = time.Now()
	info.mu.Unlock()
	e.SetStealReqs(1)

	active := []CollisionJobContext{newFakeJobContext(), newFakeJobContext(), newFakeJobContext()}
	w1 := newFakeJobContext(peer)
	w2 := newFakeJobContext(peer)
	w3 := newFakeJobContext(peer)
	waiting := []CollisionJobContext{w1, w2, w3}

	e.OnCollision(&fakeCollisionContext{active: active, waiting: waiting})

	cancelled := 0
	for _, w := range []*fakeJobContext{w1, w2, w3} {
		cancelled += w.cancelCalls
	}
	if cancelled != 1 {
		t.Fatalf("cancelCalls total = %d, want exactly 1 (one assignment per poll and per steal request)", cancelled)
	}
	if e.stealReqs.Load() != 0 {
		t.Fatalf("stealReqs = %d, want 0 after a single successful surrender", e.stealReqs.Load())
	}
}

func TestAssignThiefRollsBackOnFailedCancel(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(cfg, newFakeTransport())

	peer := NodeID("peer-1")
	e.table.Join(&fakeClusterNode{id: peer, alive: true})
	info, _ := e.table.Inbound(peer)
	info.mu.Lock()
	info.jobsToSteal = 1
	info.ts = time.Now()
	info.mu.Unlock()
	e.SetStealReqs(1)

	w := newFakeJobContext(peer)
	w.cancelOK = false

	rejected := e.assignThief(w, 0, 0)
	if rejected {
		t.Fatal("assignThief should report false when Cancel() fails")
	}
	if _, exists := w.Attr(ThiefNodeAttr); exists {
		t.Fatal("a failed cancel must roll back the thief-node attribute")
	}
	if e.stealReqs.Load() != 1 {
		t.Fatalf("stealReqs = %d, want rolled back to 1", e.stealReqs.Load())
	}
	if info.JobsToSteal() != 1 {
		t.Fatal("a failed cancel must not consume the peer's announced steal capacity")
	}
}

func TestCheckIdleSendsStealRequestToOverloadedPeer(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport()
	e := newTestEngine(cfg, transport)

	peer := &fakeClusterNode{
		id:    "peer-1",
		alive: true,
		attrs: map[string]string{WaitJobsThresholdAttr: "2"},
		metrics: NodeMetrics{
			CurrentWaitingJobs: 10,
		},
	}
	e.table.Join(peer)

	e.OnCollision(&fakeCollisionContext{})

	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
	if transport.sent[0].node != "peer-1" {
		t.Fatalf("sent to %q, want peer-1", transport.sent[0].node)
	}
	if transport.sent[0].msg.Delta <= 0 {
		t.Fatalf("sent delta = %d, want positive", transport.sent[0].msg.Delta)
	}

	snd, _ := e.table.Outbound("peer-1")
	if snd.JobsToSteal() != int(transport.sent[0].msg.Delta) {
		t.Fatal("outbound MessageInfo must record the announced delta")
	}
}

func TestCheckIdleSkipsPeerMissingAdvertisedThreshold(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport()
	e := newTestEngine(cfg, transport)

	peer := &fakeClusterNode{id: "peer-1", alive: true, attrs: map[string]string{}, metrics: NodeMetrics{CurrentWaitingJobs: 10}}
	e.table.Join(peer)

	e.OnCollision(&fakeCollisionContext{})

	if len(transport.sent) != 0 {
		t.Fatal("a peer with no advertised wait threshold must never receive a steal request")
	}
}

func TestOnStealRequestAppliesAbsoluteDelta(t *testing.T) {
	cfg := testConfig()
	transport := newFakeTransport()
	e := newTestEngine(cfg, transport)
	e.Start()

	peer := NodeID("peer-1")
	e.table.Join(&fakeClusterNode{id: peer, alive: true})

	transport.deliver(CollisionTopic, peer, StealRequest{Delta: 5})
	if e.PendingSteals() != 5 {
		t.Fatalf("PendingSteals() = %d, want 5 after first announcement", e.PendingSteals())
	}

	transport.deliver(CollisionTopic, peer, StealRequest{Delta: 2})
	if e.PendingSteals() != 2 {
		t.Fatalf("PendingSteals() = %d, want 2: delta replaces, it does not accumulate", e.PendingSteals())
	}

	info, _ := e.table.Inbound(peer)
	if info.JobsToSteal() != 2 {
		t.Fatalf("inbound JobsToSteal() = %d, want 2", info.JobsToSteal())
	}
}

func TestOnStealRequestFromUnknownPeerIsIgnored(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(cfg, newFakeTransport())

	e.OnStealRequest("ghost", StealRequest{Delta: 9})
	if e.PendingSteals() != 0 {
		t.Fatal("a steal request from a peer not yet in the node table must be ignored, not cause a panic or phantom counter")
	}
}

func TestConsistentAttributesFlagsMismatch(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(cfg, newFakeTransport())

	mismatches := e.ConsistentAttributes(map[string]string{
		MaxStealingAttemptAttr: "99",
		MsgExpireTimeAttr:      cfg.MsgExpireTime.String(),
	})
	if len(mismatches) != 1 || mismatches[0] != MaxStealingAttemptAttr {
		t.Fatalf("mismatches = %v, want [%s]", mismatches, MaxStealingAttemptAttr)
	}
}
