package collision

import (
	"context"
	"sync"
)

// fakeJobContext is a minimal in-memory CollisionJobContext for tests.
type fakeJobContext struct {
	mu                sync.Mutex
	attrs             map[string]interface{}
	topology          map[NodeID]struct{}
	stealingDisabled  bool
	activateErr       error
	activated         int
	cancelOK          bool
	cancelErr         error
	cancelCalls       int
}

func newFakeJobContext(topology ...NodeID) *fakeJobContext {
	top := make(map[NodeID]struct{}, len(topology))
	for _, n := range topology {
		top[n] = struct{}{}
	}
	return &fakeJobContext{attrs: make(map[string]interface{}), topology: top, cancelOK: true}
}

func (f *fakeJobContext) Lock()   { f.mu.Lock() }
func (f *fakeJobContext) Unlock() { f.mu.Unlock() }

func (f *fakeJobContext) Attr(key string) (interface{}, bool) {
	v, ok := f.attrs[key]
	return v, ok
}

func (f *fakeJobContext) SetAttr(key string, value interface{}) {
	f.attrs[key] = value
}

func (f *fakeJobContext) DeleteAttr(key string) {
	delete(f.attrs, key)
}

func (f *fakeJobContext) Topology() map[NodeID]struct{} {
	return f.topology
}

func (f *fakeJobContext) StealingDisabled() bool {
	return f.stealingDisabled
}

func (f *fakeJobContext) Activate() error {
	if f.activateErr == nil {
		f.activated++
	}
	return f.activateErr
}

func (f *fakeJobContext) Cancel() (bool, error) {
	f.cancelCalls++
	return f.cancelOK, f.cancelErr
}

// fakeCollisionContext is a static CollisionContext snapshot for tests.
type fakeCollisionContext struct {
	active  []CollisionJobContext
	waiting []CollisionJobContext
	held    []CollisionJobContext
}

func (f *fakeCollisionContext) Active() []CollisionJobContext  { return f.active }
func (f *fakeCollisionContext) Waiting() []CollisionJobContext { return f.waiting }
func (f *fakeCollisionContext) Held() []CollisionJobContext    { return f.held }

// fakeClusterNode is a minimal ClusterNode for tests.
type fakeClusterNode struct {
	id      NodeID
	alive   bool
	attrs   map[string]string
	metrics NodeMetrics
}

func (n *fakeClusterNode) ID() NodeID                 { return n.id }
func (n *fakeClusterNode) Alive() bool                { return n.alive }
func (n *fakeClusterNode) Attributes() map[string]string { return n.attrs }
func (n *fakeClusterNode) Metrics() NodeMetrics       { return n.metrics }

// fakeTransport is an in-process Transport fake that records sends and can
// deliver them straight back into a registered handler.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	handlers map[string]func(NodeID, StealRequest)
	sendErr  error
}

type sentMessage struct {
	node  NodeID
	msg   StealRequest
	topic string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(NodeID, StealRequest))}
}

func (t *fakeTransport) Send(_ context.Context, node ClusterNode, msg StealRequest, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, sentMessage{node: node.ID(), msg: msg, topic: topic})
	return nil
}

func (t *fakeTransport) AddMessageListener(topic string, handler func(from NodeID, msg StealRequest)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = handler
}

func (t *fakeTransport) deliver(topic string, from NodeID, msg StealRequest) {
	t.mu.Lock()
	handler := t.handlers[topic]
	t.mu.Unlock()
	if handler != nil {
		handler(from, msg)
	}
}
