// Command gridworksd runs a single gridworks node: its collision
// controller, its page store and the gRPC transport that connects it to
// its peers.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"gridworks/pkg/collision"
	"gridworks/pkg/config"
	"gridworks/pkg/helper/log"
	"gridworks/pkg/metrics"
	"gridworks/pkg/pagestore"
	"gridworks/pkg/transport"
)

func main() {
	var (
		configFile string
		nodeID     string
		listenAddr string
	)
	flag.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flag.StringVar(&nodeID, "node-id", "", "this node's cluster identity")
	flag.StringVar(&listenAddr, "listen", ":7070", "address the collision transport listens on")
	flag.Parse()

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewStructuredLogger(log.ParseLevel(cfg.LogLevel))

	if nodeID == "" {
		nodeID = uuid.New().String()
		logger.WithField("node_id", nodeID).Info("no -node-id given, generated one for this run")
	}

	registry := metrics.NewRegistry()

	store, err := pagestore.New(config.ExpandHomeDir(cfg.PageStore.Path), cfg.PageStore.Type, cfg.PageStore.PageSize, cfg.PageStore.SkipCRC)
	if err != nil {
		logger.Error("failed to construct page store", err)
		os.Exit(1)
	}
	store.SetMetricsRegistry(registry)
	if err := store.Ensure(); err != nil {
		logger.Error("failed to initialize page store", err)
		os.Exit(1)
	}
	defer store.Stop()

	tr := transport.NewGRPCTransport(collision.NodeID(nodeID), listenAddr, nil, logger)
	if err := tr.Start(); err != nil {
		logger.Error("failed to start collision transport", err)
		os.Exit(1)
	}
	defer tr.Stop()

	table := collision.NewNodeTable()
	engine := collision.NewEngine(cfg.Collision, table, tr, logger)
	engine.SetMetricsRegistry(registry)
	engine.Start()

	logger.WithFields(map[string]interface{}{
		"node_id": nodeID,
		"listen":  listenAddr,
	}).Info("gridworks node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("gridworks node shutting down")
}
