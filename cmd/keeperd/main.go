package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mrshabel/raftkeeper/internal/clusterconfig"
	"github.com/mrshabel/raftkeeper/internal/config"
	"github.com/mrshabel/raftkeeper/internal/engine"
)

func main() {
	nodeID := flag.String("node-id", "", "unique raft server id for this replica")
	dataDir := flag.String("data-dir", "/var/lib/raftkeeper", "directory holding the changelog, snapshots, and raft state")
	bindAddr := flag.String("bind-addr", "127.0.0.1:8300", "host:port of this replica; the raft transport binds to its host with -raft-port")
	raftPort := flag.Int("raft-port", 8300, "port raft peers dial to reach this replica")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8400", "host:port for the admin HTTP surface")
	bootstrap := flag.Bool("bootstrap", false, "bootstrap a new single-node or seeded cluster on first start")
	servers := flag.String("servers", "", "comma-separated server.<id>=host:port[;role[;priority]] list used with -bootstrap; when empty, a single-node cluster of this replica is bootstrapped")
	aclModel := flag.String("acl-model", "", "casbin model file gating admin operations (optional)")
	aclPolicy := flag.String("acl-policy", "", "casbin policy file gating admin operations (optional)")
	certFile := flag.String("cert-file", "", "server TLS certificate (optional)")
	keyFile := flag.String("key-file", "", "server TLS key (optional)")
	caFile := flag.String("ca-file", "", "CA bundle for peer mutual TLS (optional)")
	flag.Parse()

	if *nodeID == "" {
		log.Fatal("-node-id is required")
	}

	var parsedServers []clusterconfig.Server
	if *servers != "" {
		parsedServers = clusterconfig.ParseList(*servers)
		if parsedServers == nil {
			log.Fatalf("invalid -servers list: %q", *servers)
		}
	}

	cfg := engine.Config{
		DataDir:       *dataDir,
		BindAddr:      *bindAddr,
		RaftPort:      *raftPort,
		AdminAddr:     *adminAddr,
		NodeID:        *nodeID,
		Bootstrap:     *bootstrap,
		Servers:       parsedServers,
		ACLModelFile:  *aclModel,
		ACLPolicyFile: *aclPolicy,
	}

	if *certFile != "" && *keyFile != "" {
		tlsConfig, err := config.SetupTLSConfig(config.TLSConfig{
			CertFile: *certFile,
			KeyFile:  *keyFile,
			CAFile:   *caFile,
			Server:   true,
		})
		if err != nil {
			log.Fatalf("setup tls: %v", err)
		}
		cfg.ServerTLSConfig = tlsConfig
		cfg.PeerTLSConfig = tlsConfig
	}

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("start engine: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := e.Shutdown(); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
