package collision

import "testing"

func TestNodeTableJoinLeave(t *testing.T) {
	table := NewNodeTable()
	a := &fakeClusterNode{id: "a", alive: true}
	b := &fakeClusterNode{id: "b", alive: true}

	table.Join(a)
	table.Join(b)

	if table.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", table.Count())
	}
	if !table.IsLive("a") || !table.IsLive("b") {
		t.Fatal("both joined nodes should be live")
	}

	if _, ok := table.Inbound("a"); !ok {
		t.Fatal("Inbound(a) should exist after Join")
	}
	if _, ok := table.Outbound("b"); !ok {
		t.Fatal("Outbound(b) should exist after Join")
	}

	table.Leave("a")
	if table.IsLive("a") {
		t.Fatal("a should no longer be live after Leave")
	}
	if _, ok := table.Inbound("a"); ok {
		t.Fatal("Inbound(a) should be gone after Leave")
	}
	if table.Count() != 1 {
		t.Fatalf("Count() = %d after Leave, want 1", table.Count())
	}
}

func TestNodeTableJoinIsIdempotent(t *testing.T) {
	table := NewNodeTable()
	a := &fakeClusterNode{id: "a", alive: true}
	table.Join(a)

	info, _ := table.Inbound("a")
	info.mu.Lock()
	info.jobsToSteal = 7
	info.mu.Unlock()

	table.Join(a)

	again, _ := table.Inbound("a")
	if again.JobsToSteal() != 7 {
		t.Fatal("re-joining an already tracked peer must not reset its MessageInfo")
	}
	if table.Count() != 1 {
		t.Fatalf("Count() = %d after duplicate Join, want 1", table.Count())
	}
}

func TestNodeTableRoundRobin(t *testing.T) {
	table := NewNodeTable()
	a := &fakeClusterNode{id: "a", alive: true}
	b := &fakeClusterNode{id: "b", alive: true}
	table.Join(a)
	table.Join(b)

	first, ok := table.PollNext()
	if !ok || first.ID() != "a" {
		t.Fatalf("first poll = %v, want a", first)
	}
	table.Requeue(first)

	second, ok := table.PollNext()
	if !ok || second.ID() != "b" {
		t.Fatalf("second poll = %v, want b", second)
	}
	table.Requeue(second)

	third, ok := table.PollNext()
	if !ok || third.ID() != "a" {
		t.Fatalf("third poll = %v, want a (round trip)", third)
	}
}

func TestNodeTableRequeueDropsDepartedNode(t *testing.T) {
	table := NewNodeTable()
	a := &fakeClusterNode{id: "a", alive: true}
	table.Join(a)

	polled, _ := table.PollNext()
	table.Leave(polled.ID())
	table.Requeue(polled)

	if table.Count() != 0 {
		t.Fatal("a node that left while polled out must not be requeued")
	}
}
