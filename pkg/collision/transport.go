package collision

import "context"

// Transport is the inter-node messaging collaborator the engine depends on
// to send and receive StealRequest messages. Production code wires this to
// the gRPC peer mesh in pkg/transport; tests use an in-process fake.
type Transport interface {
	Send(ctx context.Context, node ClusterNode, msg StealRequest, topic string) error
	AddMessageListener(topic string, handler func(from NodeID, msg StealRequest))
}
