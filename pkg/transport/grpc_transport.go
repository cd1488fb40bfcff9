// Package transport provides the gRPC peer mesh the collision controller
// sends and receives StealRequest messages over.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"gridworks/pkg/collision"
	"gridworks/pkg/helper/errors"
	"gridworks/pkg/helper/log"
	"gridworks/pkg/resilience"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const stealRequestMethod = "/gridworks.collision.Collision/StealRequest"

// wireStealRequest is the on-the-wire form of a collision.StealRequest: the
// sender's id and topic travel alongside the message itself since a single
// gRPC method serves every topic.
type wireStealRequest struct {
	From  string
	Topic string
	Delta int32
}

type wireAck struct{}

var stealServiceDesc = grpc.ServiceDesc{
	ServiceName: "gridworks.collision.Collision",
	HandlerType: (*GRPCTransport)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StealRequest",
			Handler:    stealRequestHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collision.proto",
}

func stealRequestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req wireStealRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	t := srv.(*GRPCTransport)
	t.dispatch(req)
	return &wireAck{}, nil
}

// GRPCTransport implements collision.Transport over a gRPC mesh: one
// listening server per node plus one outbound client connection per peer.
// Connection setup goes through a retry policy (transient dial failures are
// safe to retry); once connected, each Send goes through that peer's own
// circuit breaker so a stalled peer can't stall the whole collision pass.
// Send itself is never retried: a StealRequest already folded into the
// engine's rollback-and-wait-for-next-pass on failure, and retrying a send
// after that rollback would double count capacity.
type GRPCTransport struct {
	nodeID    collision.NodeID
	address   string
	tlsConfig *tls.Config
	logger    log.Logger

	server *grpc.Server

	mu    sync.RWMutex
	conns map[collision.NodeID]*grpc.ClientConn

	resilienceMgr *resilience.Manager

	listenersMu sync.RWMutex
	listeners   map[string]func(collision.NodeID, collision.StealRequest)
}

// NewGRPCTransport builds a transport for nodeID, listening (once Start is
// called) on address. tlsConfig may be nil for plaintext/insecure transport.
func NewGRPCTransport(nodeID collision.NodeID, address string, tlsConfig *tls.Config, logger log.Logger) *GRPCTransport {
	if logger == nil {
		logger = log.NewBasicLogger(log.InfoLevel)
	}

	t := &GRPCTransport{
		nodeID:    nodeID,
		address:   address,
		tlsConfig: tlsConfig,
		logger:    logger,
		conns:         make(map[collision.NodeID]*grpc.ClientConn),
		resilienceMgr: resilience.NewManager(logger),
		listeners:     make(map[string]func(collision.NodeID, collision.StealRequest)),
	}

	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.UnaryInterceptor(t.unaryServerInterceptor),
	}
	if tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	t.server = grpc.NewServer(serverOpts...)
	t.server.RegisterService(&stealServiceDesc, t)

	return t
}

// Start begins listening for inbound steal requests in the background.
func (t *GRPCTransport) Start() error {
	lis, err := net.Listen("tcp", t.address)
	if err != nil {
		return errors.Wrap(err, "failed to listen on %s", t.address)
	}

	go func() {
		if err := t.server.Serve(lis); err != nil {
			t.logger.WithError(err).Error("collision transport server stopped", err)
		}
	}()

	t.logger.WithFields(map[string]interface{}{
		"node_id": string(t.nodeID),
		"address": t.address,
	}).Info("collision transport listening")
	return nil
}

// Stop closes every outbound connection and gracefully stops the server.
func (t *GRPCTransport) Stop() error {
	t.mu.Lock()
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.WithError(err).WithField("node_id", string(id)).Warn("error closing peer connection")
		}
	}
	t.conns = make(map[collision.NodeID]*grpc.ClientConn)
	t.mu.Unlock()

	t.server.GracefulStop()
	return nil
}

// ConnectToNode dials a discovered peer, so later Send calls to it have a
// connection to use. Safe to call more than once for the same node.
func (t *GRPCTransport) ConnectToNode(nodeID collision.NodeID, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.conns[nodeID]; exists {
		return nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(t.unaryClientInterceptor),
	}
	if t.tlsConfig != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(t.tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var conn *grpc.ClientConn
	retryErr := t.resilienceMgr.Retry().GetPolicy(string(nodeID)).RetryWithLogger(dialCtx, func() error {
		var dialErr error
		conn, dialErr = grpc.DialContext(dialCtx, address, dialOpts...)
		return dialErr
	}, t.logger)
	if retryErr != nil {
		return errors.Wrap(retryErr, "failed to connect to node %s at %s", nodeID, address)
	}

	t.conns[nodeID] = conn
	t.resilienceMgr.CircuitBreakers().GetOrCreate(string(nodeID), resilience.DefaultCircuitBreakerSettings(string(nodeID)))
	return nil
}

// DisconnectFromNode closes and forgets a peer's connection.
func (t *GRPCTransport) DisconnectFromNode(nodeID collision.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, exists := t.conns[nodeID]
	if !exists {
		return errors.NotFoundf("not connected to node: %s", nodeID)
	}
	delete(t.conns, nodeID)
	return conn.Close()
}

// Send delivers msg to node over its existing connection, behind that
// peer's circuit breaker. ConnectToNode must have been called for node
// first (discovery wires this up on join).
func (t *GRPCTransport) Send(ctx context.Context, node collision.ClusterNode, msg collision.StealRequest, topic string) error {
	t.mu.RLock()
	conn, exists := t.conns[node.ID()]
	t.mu.RUnlock()
	if !exists {
		return errors.NotFoundf("not connected to node: %s", node.ID())
	}

	breaker := t.resilienceMgr.CircuitBreakers().GetOrCreate(string(node.ID()), resilience.DefaultCircuitBreakerSettings(string(node.ID())))

	return breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		wire := wireStealRequest{From: string(t.nodeID), Topic: topic, Delta: msg.Delta}
		var ack wireAck
		return conn.Invoke(callCtx, stealRequestMethod, &wire, &ack)
	})
}

// AddMessageListener registers handler to be invoked for every inbound
// StealRequest received on topic.
func (t *GRPCTransport) AddMessageListener(topic string, handler func(from collision.NodeID, msg collision.StealRequest)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners[topic] = handler
}

func (t *GRPCTransport) dispatch(req wireStealRequest) {
	t.listenersMu.RLock()
	handler := t.listeners[req.Topic]
	t.listenersMu.RUnlock()

	if handler == nil {
		t.logger.WithField("topic", req.Topic).Debug("no listener registered for topic, dropping message")
		return
	}
	handler(collision.NodeID(req.From), collision.StealRequest{Delta: req.Delta})
}

func (t *GRPCTransport) unaryServerInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	t.logger.WithFields(map[string]interface{}{
		"method":   info.FullMethod,
		"duration": time.Since(start).String(),
		"error":    err != nil,
	}).Debug("collision transport call completed")
	return resp, err
}

func (t *GRPCTransport) unaryClientInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)
	t.logger.WithFields(map[string]interface{}{
		"method":   method,
		"duration": time.Since(start).String(),
		"error":    err != nil,
	}).Debug("collision transport client call completed")
	return err
}
