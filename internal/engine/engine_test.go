package engine

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/mrshabel/raftkeeper/internal/clusterconfig"
	"github.com/mrshabel/raftkeeper/internal/config"
	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// TestEngineCluster spins up a 3-node cluster, proposes a Create through
// the leader, and verifies every replica's store converges on the same
// digest and node count, the same replication property the teacher's
// TestAgent exercises for its commit log.
func TestEngineCluster(t *testing.T) {
	serverTLSConfig, err := config.SetupTLSConfig(config.TLSConfig{
		CertFile:      config.ServerCertFile,
		KeyFile:       config.ServerKeyFile,
		CAFile:        config.CAFile,
		Server:        true,
		ServerAddress: "127.0.0.1",
	})
	require.NoError(t, err)

	peerTLSConfig, err := config.SetupTLSConfig(config.TLSConfig{
		CertFile:      config.RootClientCertFile,
		KeyFile:       config.RootClientKeyFile,
		CAFile:        config.CAFile,
		Server:        false,
		ServerAddress: "127.0.0.1",
	})
	require.NoError(t, err)

	const n = 3
	ids := make([]string, n)
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%d", i+1)
		ports[i] = dynaport.Get(1)[0]
	}

	var servers []clusterconfig.Server
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		servers = append(servers, clusterconfig.Server{
			ID:       id,
			Endpoint: fmt.Sprintf("127.0.0.1:%d", ports[i]),
		})
	}

	var engines []*Engine
	for i := 0; i < n; i++ {
		dataDir, err := os.MkdirTemp("", "engine-test")
		require.NoError(t, err)

		e, err := New(Config{
			ServerTLSConfig: serverTLSConfig,
			PeerTLSConfig:   peerTLSConfig,
			DataDir:         dataDir,
			BindAddr:        fmt.Sprintf("127.0.0.1:%d", ports[i]),
			RaftPort:        ports[i],
			AdminAddr:       fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0]),
			NodeID:          ids[i],
			Bootstrap:       true,
			Servers:         servers,
		})
		require.NoError(t, err)
		engines = append(engines, e)
	}

	defer func() {
		for _, e := range engines {
			require.NoError(t, e.Shutdown())
			require.NoError(t, os.RemoveAll(e.Config.DataDir))
		}
	}()

	leader := waitForLeader(t, engines, 10*time.Second)

	resp, err := leader.Propose(1, coordination.CreateRequest{Path: "/widget", Data: []byte("dummy")}, 5*time.Second)
	require.NoError(t, err)
	createResp, ok := resp.(coordination.CreateResponse)
	require.True(t, ok)
	require.Equal(t, coordination.ZOK, createResp.Err)

	require.Eventually(t, func() bool {
		digest := leader.store.Digest()
		for _, e := range engines {
			if e.store.Digest() != digest || e.store.NodeCount() != leader.store.NodeCount() {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "replicas never converged on the leader's digest")
}

func waitForLeader(t *testing.T, engines []*Engine, timeout time.Duration) *Engine {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range engines {
			if e.raft.State() == raft.Leader {
				return e
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no leader elected in time")
	return nil
}
