package nameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/models"
)

func newTestServer(t *testing.T, safemodeSecs int) *NameServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NamespaceDir = t.TempDir()
	cfg.SafemodeSecs = safemodeSecs
	cfg.DeadSecs = 3600
	cfg.StatusLogSecs = 0
	s, err := NewNameServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// registerCS announces a chunkserver the way a fresh one does: an empty
// report carrying a namespace version the server does not recognize.
func registerCS(t *testing.T, s *NameServer, addr string) int32 {
	t.Helper()
	var reply models.BlockReportReply
	require.NoError(t, s.BlockReport(models.BlockReportArgs{
		ChunkServerAddr: addr,
		ChunkServerID:   -1,
		IsComplete:      true,
		DiskQuota:       1 << 30,
	}, &reply))
	require.Equal(t, helper.StatusOK, reply.Status)
	require.Equal(t, s.namespace.Version(), reply.NamespaceVersion)
	return reply.ChunkServerID
}

func report(s *NameServer, addr string, csID int32, blocks []models.ReportBlockInfo) (models.BlockReportReply, error) {
	var reply models.BlockReportReply
	err := s.BlockReport(models.BlockReportArgs{
		ChunkServerAddr:  addr,
		ChunkServerID:    csID,
		NamespaceVersion: s.namespace.Version(),
		IsComplete:       true,
		DiskQuota:        1 << 30,
		Blocks:           blocks,
	}, &reply)
	return reply, err
}

func TestHappyAllocation(t *testing.T) {
	s := newTestServer(t, 0)
	registerCS(t, s, "a")
	registerCS(t, s, "b")
	registerCS(t, s, "c")

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	require.Equal(t, helper.StatusOK, status.Status)

	var reply models.AddBlockReply
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/f"}, &reply))
	require.Equal(t, helper.StatusOK, reply.Status)
	assert.Equal(t, int64(1), reply.Block.BlockID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, reply.Block.Chains)

	b, err := s.blockMapping.GetBlock(1)
	require.NoError(t, err)
	assert.Len(t, b.Replica, 3)
	assert.Equal(t, int64(helper.VersionOpen), b.Version)
	assert.False(t, b.PendingChange)

	info, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, info.Blocks)
	assert.Equal(t, int64(helper.VersionOpen), info.Version)
}

func TestVersionPromotion(t *testing.T) {
	s := newTestServer(t, 0)
	registerCS(t, s, "a")
	registerCS(t, s, "b")
	registerCS(t, s, "c")

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	var reply models.AddBlockReply
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/f"}, &reply))
	require.Equal(t, helper.StatusOK, reply.Status)

	require.NoError(t, s.FinishBlock(models.FinishBlockArgs{BlockID: 1, BlockVersion: 42}, &status))
	assert.Equal(t, helper.StatusOK, status.Status)

	b, err := s.blockMapping.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Version)
	assert.False(t, b.PendingChange)

	require.NoError(t, s.FinishBlock(models.FinishBlockArgs{BlockID: 999, BlockVersion: 1}, &status))
	assert.Equal(t, helper.StatusFailed, status.Status)
}

func TestUnderReplicationRepair(t *testing.T) {
	s := newTestServer(t, 0)
	id1 := registerCS(t, s, "a")
	id2 := registerCS(t, s, "b")
	id5 := registerCS(t, s, "e")

	require.NoError(t, s.blockMapping.AddNewBlock(7))
	require.NoError(t, s.blockMapping.SeedReplica(7, id1))
	require.NoError(t, s.blockMapping.SeedReplica(7, id2))
	require.NoError(t, s.blockMapping.ChangeReplicaNum(7, 3))

	// a report from a holder triggers the planner; the only candidate not
	// already holding the block is cs "e"
	reply, err := report(s, "a", id1, []models.ReportBlockInfo{{BlockID: 7, Version: -1}})
	require.NoError(t, err)
	require.Equal(t, helper.StatusOK, reply.Status)
	assert.Empty(t, reply.ObsoleteBlocks)

	b, err := s.blockMapping.GetBlock(7)
	require.NoError(t, err)
	assert.True(t, b.Pulling[id5])
	assert.True(t, b.PendingChange)

	// the destination's next report drains the pull instruction
	reply, err = report(s, "e", id5, nil)
	require.NoError(t, err)
	require.Len(t, reply.NewReplicas, 1)
	assert.Equal(t, int64(7), reply.NewReplicas[0].BlockID)
	assert.ElementsMatch(t, []string{"a", "b"}, reply.NewReplicas[0].ChunkServerAddress)

	// and is never handed out twice
	reply, err = report(s, "e", id5, nil)
	require.NoError(t, err)
	assert.Empty(t, reply.NewReplicas)

	var status models.StatusReply
	require.NoError(t, s.PullBlockReport(models.PullBlockReportArgs{
		ChunkServerID: id5, Blocks: []int64{7},
	}, &status))
	require.Equal(t, helper.StatusOK, status.Status)

	b, err = s.blockMapping.GetBlock(7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{id1, id2, id5}, replicaIDs(b))
	assert.Empty(t, b.Pulling)
	assert.False(t, b.PendingChange)
}

func TestOverReplicationReport(t *testing.T) {
	s := newTestServer(t, 0)
	id1 := registerCS(t, s, "a")
	id2 := registerCS(t, s, "b")
	id3 := registerCS(t, s, "c")

	require.NoError(t, s.blockMapping.AddNewBlock(11))
	for _, id := range []int32{id1, id2, id3} {
		require.NoError(t, s.blockMapping.SeedReplica(11, id))
	}
	require.NoError(t, s.blockMapping.ChangeReplicaNum(11, 2))

	reply, err := report(s, "a", id1, []models.ReportBlockInfo{{BlockID: 11, Version: -1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, reply.ObsoleteBlocks, "the reporter must delete its copy")

	b, err := s.blockMapping.GetBlock(11)
	require.NoError(t, err)
	assert.Len(t, b.Replica, 2)
	assert.True(t, b.PendingChange)

	// the next observation at target stabilizes the block
	reply, err = report(s, "b", id2, []models.ReportBlockInfo{{BlockID: 11, Version: -1}})
	require.NoError(t, err)
	assert.Empty(t, reply.ObsoleteBlocks)
	b, err = s.blockMapping.GetBlock(11)
	require.NoError(t, err)
	assert.False(t, b.PendingChange)
}

func TestNamespaceVersionMismatchWithInventory(t *testing.T) {
	s := newTestServer(t, 0)
	var reply models.BlockReportReply
	require.NoError(t, s.BlockReport(models.BlockReportArgs{
		ChunkServerAddr:  "a",
		ChunkServerID:    4,
		NamespaceVersion: 7, // stale epoch
		IsComplete:       true,
		Blocks: []models.ReportBlockInfo{
			{BlockID: 1}, {BlockID: 2}, {BlockID: 3}, {BlockID: 4},
		},
	}, &reply))
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, reply.ObsoleteBlocks)
	assert.Equal(t, s.namespace.Version(), reply.NamespaceVersion)
	// nothing was registered or mutated
	assert.Empty(t, s.chunkServers.ListChunkServers())
}

func TestPartialReportFromUnknownPeer(t *testing.T) {
	s := newTestServer(t, 0)
	var reply models.BlockReportReply
	require.NoError(t, s.BlockReport(models.BlockReportArgs{
		ChunkServerAddr:  "stranger",
		ChunkServerID:    -1,
		NamespaceVersion: s.namespace.Version(),
		IsComplete:       false,
	}, &reply))
	assert.Equal(t, helper.StatusPartialUnknown, reply.Status)
}

func TestChunkServerIDMismatch(t *testing.T) {
	s := newTestServer(t, 0)
	id := registerCS(t, s, "a")
	reply, err := report(s, "a", id+100, nil)
	require.NoError(t, err)
	assert.Equal(t, helper.StatusProtocolFault, reply.Status)
}

func TestSafemodeSuppressesRepair(t *testing.T) {
	s := newTestServer(t, 3600)
	require.True(t, s.InSafemode())
	id1 := registerCS(t, s, "a")
	registerCS(t, s, "b")

	require.NoError(t, s.blockMapping.AddNewBlock(7))
	require.NoError(t, s.blockMapping.SeedReplica(7, id1))
	require.NoError(t, s.blockMapping.ChangeReplicaNum(7, 2))

	_, err := report(s, "a", id1, []models.ReportBlockInfo{{BlockID: 7, Version: -1}})
	require.NoError(t, err)
	b, err := s.blockMapping.GetBlock(7)
	require.NoError(t, err)
	assert.Empty(t, b.Pulling, "no repair while in safemode")

	s.LeaveSafemode()
	require.False(t, s.InSafemode())
	_, err = report(s, "a", id1, []models.ReportBlockInfo{{BlockID: 7, Version: -1}})
	require.NoError(t, err)
	b, err = s.blockMapping.GetBlock(7)
	require.NoError(t, err)
	assert.Len(t, b.Pulling, 1)
}

func TestUnlinkRemovesBlocks(t *testing.T) {
	s := newTestServer(t, 0)
	id1 := registerCS(t, s, "a")
	registerCS(t, s, "b")
	registerCS(t, s, "c")

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	var added models.AddBlockReply
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/f"}, &added))
	blockID := added.Block.BlockID

	require.NoError(t, s.Unlink(models.UnlinkArgs{Path: "/f"}, &status))
	require.Equal(t, helper.StatusOK, status.Status)
	_, err := s.blockMapping.GetBlock(blockID)
	assert.ErrorIs(t, err, helper.ErrBlockNotFound)

	// the normal race: a late report for the unlinked block is rejected
	reply, err := report(s, "a", id1, []models.ReportBlockInfo{{BlockID: blockID, Version: -1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{blockID}, reply.ObsoleteBlocks)
}

func TestGetFileLocationHidesPullingReplicas(t *testing.T) {
	s := newTestServer(t, 0)
	id1 := registerCS(t, s, "a")
	id2 := registerCS(t, s, "b")

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	info, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	require.NoError(t, s.blockMapping.AddNewBlock(5))
	require.NoError(t, s.blockMapping.SeedReplica(5, id1))
	require.NoError(t, s.blockMapping.ChangeReplicaNum(5, 2))
	require.True(t, s.blockMapping.MarkPullBlock(id2, 5))
	info.Blocks = []int64{5}
	require.NoError(t, s.namespace.UpdateFileInfo(info))

	var located models.FileLocationReply
	require.NoError(t, s.GetFileLocation(models.FileLocationArgs{FileName: "/f"}, &located))
	require.Equal(t, helper.StatusOK, located.Status)
	require.Len(t, located.Blocks, 1)
	assert.Equal(t, []string{"a"}, located.Blocks[0].Chains)

	require.NoError(t, s.GetFileLocation(models.FileLocationArgs{FileName: "/nope"}, &located))
	assert.Equal(t, helper.StatusNotFound, located.Status)
}

func TestStatSumsBlockSizes(t *testing.T) {
	s := newTestServer(t, 0)
	id1 := registerCS(t, s, "a")

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	info, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	require.NoError(t, s.blockMapping.AddNewBlock(1))
	require.NoError(t, s.blockMapping.AddNewBlock(2))
	s.blockMapping.UpdateBlockInfo(1, id1, 100, -1)
	s.blockMapping.UpdateBlockInfo(2, id1, 250, -1)
	info.Blocks = []int64{1, 2, 999} // 999 was never reported
	require.NoError(t, s.namespace.UpdateFileInfo(info))

	var reply models.StatReply
	require.NoError(t, s.Stat(models.StatArgs{Path: "/f"}, &reply))
	require.Equal(t, helper.StatusOK, reply.Status)
	assert.Equal(t, int64(350), reply.FileInfo.Size)

	require.NoError(t, s.Stat(models.StatArgs{Path: "/nope"}, &reply))
	assert.Equal(t, helper.StatusNotFound, reply.Status)
}

func TestChangeReplicaNumUpdatesEveryBlock(t *testing.T) {
	s := newTestServer(t, 0)
	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	info, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	require.NoError(t, s.blockMapping.AddNewBlock(1))
	require.NoError(t, s.blockMapping.AddNewBlock(2))
	info.Blocks = []int64{1, 2}
	require.NoError(t, s.namespace.UpdateFileInfo(info))

	require.NoError(t, s.ChangeReplicaNum(models.ChangeReplicaNumArgs{FileName: "/f", ReplicaNum: 5}, &status))
	require.Equal(t, helper.StatusOK, status.Status)
	for _, blockID := range []int64{1, 2} {
		b, err := s.blockMapping.GetBlock(blockID)
		require.NoError(t, err)
		assert.Equal(t, int32(5), b.ExpectReplicaNum)
	}
	got, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	assert.Equal(t, int32(5), got.Replicas)

	require.NoError(t, s.ChangeReplicaNum(models.ChangeReplicaNumArgs{FileName: "/nope", ReplicaNum: 2}, &status))
	assert.Equal(t, helper.StatusNotFound, status.Status)
}

func TestAddBlockFailures(t *testing.T) {
	s := newTestServer(t, 0)
	var reply models.AddBlockReply
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/missing"}, &reply))
	assert.Equal(t, helper.StatusNotFound, reply.Status)

	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/f"}, &reply))
	assert.Equal(t, helper.StatusFailed, reply.Status, "no chunkservers alive")
}

func TestDeleteDirectoryValidation(t *testing.T) {
	s := newTestServer(t, 0)
	var status models.StatusReply
	require.NoError(t, s.DeleteDirectory(models.DeleteDirectoryArgs{Path: ""}, &status))
	assert.Equal(t, helper.StatusFailed, status.Status)
	require.NoError(t, s.DeleteDirectory(models.DeleteDirectoryArgs{Path: "relative"}, &status))
	assert.Equal(t, helper.StatusFailed, status.Status)
}

func TestHeartBeatVersionGate(t *testing.T) {
	s := newTestServer(t, 0)
	registerCS(t, s, "a")

	var reply models.HeartBeatReply
	require.NoError(t, s.HeartBeat(models.HeartBeatArgs{
		ChunkServerAddr:  "a",
		NamespaceVersion: s.namespace.Version(),
		DataSize:         77,
	}, &reply))
	assert.Equal(t, s.namespace.Version(), reply.NamespaceVersion)
	infos := s.chunkServers.ListChunkServers()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(77), infos[0].DataSize)

	// stale version: accounted nowhere, still told the current version
	require.NoError(t, s.HeartBeat(models.HeartBeatArgs{
		ChunkServerAddr:  "a",
		NamespaceVersion: 1,
		DataSize:         99,
	}, &reply))
	assert.Equal(t, s.namespace.Version(), reply.NamespaceVersion)
	infos = s.chunkServers.ListChunkServers()
	assert.Equal(t, int64(77), infos[0].DataSize)
}

func TestRecoveryRebuildsBlockMap(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.NamespaceDir = dir
	cfg.SafemodeSecs = 0
	cfg.DeadSecs = 3600
	cfg.StatusLogSecs = 0

	s, err := NewNameServer(cfg)
	require.NoError(t, err)
	registerCS(t, s, "a")
	registerCS(t, s, "b")
	registerCS(t, s, "c")
	var status models.StatusReply
	require.NoError(t, s.CreateFile(models.CreateFileArgs{FileName: "/f", Mode: 0644}, &status))
	var added models.AddBlockReply
	require.NoError(t, s.AddBlock(models.AddBlockArgs{FileName: "/f"}, &added))
	require.Equal(t, helper.StatusOK, added.Status)
	require.NoError(t, s.FinishBlock(models.FinishBlockArgs{BlockID: added.Block.BlockID, BlockVersion: 3}, &status))
	info, err := s.namespace.GetFileInfo("/f")
	require.NoError(t, err)
	info.Version = 3
	require.NoError(t, s.namespace.UpdateFileInfo(info))
	s.Shutdown()

	restarted, err := NewNameServer(cfg)
	require.NoError(t, err)
	t.Cleanup(restarted.Shutdown)

	b, err := restarted.blockMapping.GetBlock(added.Block.BlockID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Version)
	assert.Empty(t, b.Replica, "replica sets refill from reports")
	assert.False(t, b.PendingChange)
	// fresh ids never collide with recovered ones
	assert.Greater(t, restarted.blockMapping.NewBlockID(), added.Block.BlockID)
}
