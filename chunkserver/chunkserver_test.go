package chunkserver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nikita-Ting/bfs/client"
	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/nameserver"
)

func startNameServer(t *testing.T) string {
	t.Helper()
	cfg := nameserver.DefaultConfig()
	cfg.NamespaceDir = t.TempDir()
	cfg.SafemodeSecs = 0
	cfg.DeadSecs = 3600
	cfg.StatusLogSecs = 0
	s, err := nameserver.NewNameServer(cfg)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	t.Cleanup(s.Shutdown)
	return l.Addr().String()
}

func startAgent(t *testing.T, nsAddr, addr string) *ChunkServer {
	t.Helper()
	cs := New(Config{
		Addr:           addr,
		NameServerAddr: nsAddr,
		DiskQuota:      1 << 30,
		HeartbeatSecs:  3600,
		ReportSecs:     3600,
	})
	require.NoError(t, cs.Start())
	t.Cleanup(cs.Stop)
	return cs
}

func TestClusterWriteAndRepairFlow(t *testing.T) {
	nsAddr := startNameServer(t)
	agents := []*ChunkServer{
		startAgent(t, nsAddr, "cs1:8825"),
		startAgent(t, nsAddr, "cs2:8825"),
		startAgent(t, nsAddr, "cs3:8825"),
	}
	for _, a := range agents {
		assert.NotEqual(t, int32(-1), a.ID())
	}

	c, err := client.New(nsAddr)
	require.NoError(t, err)
	defer c.Close()

	status, err := c.CreateFile("/data/f", 0, 0644)
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)

	block, status, err := c.AddBlock("/data/f")
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)
	assert.ElementsMatch(t, []string{"cs1:8825", "cs2:8825", "cs3:8825"}, block.Chains)

	// the data plane wrote 128 bytes everywhere; seal the block
	for _, a := range agents {
		a.SetBlock(block.BlockID, BlockMeta{Size: 128, Version: 1})
	}
	status, err = c.FinishBlock(block.BlockID, 1)
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)
	for _, a := range agents {
		a.SendBlockReport()
	}

	located, status, err := c.GetFileLocation("/data/f")
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)
	require.Len(t, located, 1)
	assert.ElementsMatch(t, []string{"cs1:8825", "cs2:8825", "cs3:8825"}, located[0].Chains)

	info, status, err := c.Stat("/data/f")
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)
	assert.Equal(t, int64(128), info.Size)

	// raise the replication factor; a fourth server joins and gets the pull
	late := startAgent(t, nsAddr, "cs4:8825")
	status, err = c.ChangeReplicaNum("/data/f", 4)
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)

	agents[0].SendBlockReport() // a holder's report triggers the planner
	late.SendBlockReport()      // the destination drains and acks its pull
	assert.True(t, late.HasBlock(block.BlockID))

	located, _, err = c.GetFileLocation("/data/f")
	require.NoError(t, err)
	require.Len(t, located, 1)
	assert.Len(t, located[0].Chains, 4)

	// unlink: the next report learns the replica is obsolete
	status, err = c.Unlink("/data/f")
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, status)
	agents[0].SendBlockReport()
	assert.False(t, agents[0].HasBlock(block.BlockID))

	sys, err := c.SysStat()
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, sys.Status)
	assert.Len(t, sys.ChunkServers, 4)
	assert.NotEmpty(t, sys.InstanceID)
}

func TestHeartbeatAtCurrentEpoch(t *testing.T) {
	nsAddr := startNameServer(t)
	agent := startAgent(t, nsAddr, "cs1:8825")

	// a heartbeat with the learned version is accounted silently
	agent.SendHeartBeat()
	assert.NotEqual(t, int32(-1), agent.ID())
}
