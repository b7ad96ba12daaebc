package nameserver

import (
	"sync"

	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/models"
)

// NSBlock is the nameserver's record of one block. Replica holds the
// chunkservers believed to have a complete copy, Pulling the ones currently
// instructed to fetch one. A chunkserver is never in both sets at rest.
type NSBlock struct {
	ID               int64
	Size             int64 // 0 until the first sized report arrives
	Version          int64 // -1 while the block is open for writing
	Replica          map[int32]bool
	Pulling          map[int32]bool
	ExpectReplicaNum int32
	PendingChange    bool
}

func newNSBlock(id int64) *NSBlock {
	return &NSBlock{
		ID:               id,
		Version:          helper.VersionOpen,
		Replica:          make(map[int32]bool),
		Pulling:          make(map[int32]bool),
		ExpectReplicaNum: helper.DefaultReplicaNum,
	}
}

func (b *NSBlock) snapshot() NSBlock {
	cp := *b
	cp.Replica = make(map[int32]bool, len(b.Replica))
	for cs := range b.Replica {
		cp.Replica[cs] = true
	}
	cp.Pulling = make(map[int32]bool, len(b.Pulling))
	for cs := range b.Pulling {
		cp.Pulling[cs] = true
	}
	return cp
}

// PullTask is one drained repair-queue entry: the block to fetch and the
// replica set at drain time, which the destination pulls from.
type PullTask struct {
	BlockID int64
	Sources []int32
}

// BlockMapping is the authoritative block index plus the per-destination
// repair queue. A single mutex serializes every public operation; all calls
// are short map and set manipulations.
type BlockMapping struct {
	mu                sync.Mutex
	blocks            map[int64]*NSBlock
	nextBlockID       int64
	blocksToReplicate map[int32]map[int64]bool
}

func NewBlockMapping() *BlockMapping {
	return &BlockMapping{
		blocks:            make(map[int64]*NSBlock),
		nextBlockID:       1,
		blocksToReplicate: make(map[int32]map[int64]bool),
	}
}

// NewBlockID allocates the next cluster-unique block id.
func (bm *BlockMapping) NewBlockID() int64 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	id := bm.nextBlockID
	bm.nextBlockID++
	return id
}

// AddNewBlock inserts a fresh record. Hard links are unsupported, so a
// duplicate id means the index is corrupt.
func (bm *BlockMapping) AddNewBlock(blockID int64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if _, ok := bm.blocks[blockID]; ok {
		return helper.ErrBlockExists
	}
	bm.blocks[blockID] = newNSBlock(blockID)
	log.Debugf("init block info: #%d", blockID)
	if bm.nextBlockID <= blockID {
		bm.nextBlockID = blockID + 1
	}
	return nil
}

// GetBlock returns a snapshot of one record.
func (bm *BlockMapping) GetBlock(blockID int64) (NSBlock, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		return NSBlock{}, helper.ErrBlockNotFound
	}
	return b.snapshot(), nil
}

// GetReplicaLocation returns a copy of the block's replica set.
func (bm *BlockMapping) GetReplicaLocation(blockID int64) (map[int32]bool, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("can't find block: #%d", blockID)
		return nil, helper.ErrBlockNotFound
	}
	replica := make(map[int32]bool, len(b.Replica))
	for cs := range b.Replica {
		replica[cs] = true
	}
	return replica, nil
}

// RemoveBlock deletes the record. Outstanding pull instructions for the block
// are dropped from the repair queue so it cannot be resurrected by a late
// drain.
func (bm *BlockMapping) RemoveBlock(blockID int64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("RemoveBlock(#%d) not found", blockID)
		return
	}
	for cs := range b.Pulling {
		if pending, ok := bm.blocksToReplicate[cs]; ok {
			delete(pending, blockID)
			if len(pending) == 0 {
				delete(bm.blocksToReplicate, cs)
			}
		}
	}
	delete(bm.blocks, blockID)
}

// RemoveBlocksForFile drops every block of an unlinked file.
func (bm *BlockMapping) RemoveBlocksForFile(info models.FileInfo) {
	for _, blockID := range info.Blocks {
		bm.RemoveBlock(blockID)
		log.Infof("remove block #%d for %s", blockID, info.Name)
	}
}

// SetBlockVersion sets the block's generation unconditionally.
func (bm *BlockMapping) SetBlockVersion(blockID, version int64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("can't find block: #%d", blockID)
		return helper.ErrBlockNotFound
	}
	b.Version = version
	return nil
}

// MarkBlockStable clears the block's pending-change flag.
func (bm *BlockMapping) MarkBlockStable(blockID int64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("can't find block: #%d", blockID)
		return helper.ErrBlockNotFound
	}
	b.PendingChange = false
	return nil
}

// ChangeReplicaNum sets the block's target replication factor.
func (bm *BlockMapping) ChangeReplicaNum(blockID int64, replicaNum int32) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		return helper.ErrBlockNotFound
	}
	b.ExpectReplicaNum = replicaNum
	return nil
}

// SeedReplica records a chunkserver chosen at allocation time as a holder,
// bypassing the planner: the seeded set is exactly the chain handed to the
// client, so no repair decision applies yet.
func (bm *BlockMapping) SeedReplica(blockID int64, serverID int32) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		return helper.ErrBlockNotFound
	}
	b.Replica[serverID] = true
	return nil
}

// UpdateBlockInfo reconciles one reported replica against the record.
// It returns whether the report is accepted (a rejected replica must be
// deleted by the chunkserver) and, when the block is under-replicated, how
// many more replicas the caller should plan pulls for.
func (bm *BlockMapping) UpdateBlockInfo(blockID int64, serverID int32, blockSize, blockVersion int64) (bool, int32) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		// normal race with unlink
		log.Debugf("UpdateBlockInfo(#%d) has been removed", blockID)
		return false, 0
	}
	if b.Version >= 0 && blockVersion >= 0 && b.Version != blockVersion {
		log.Infof("block #%d on slow chunkserver %d, ns version %d, cs version %d, drop it",
			blockID, serverID, b.Version, blockVersion)
		return false, 0
	}
	if blockSize != 0 && b.Size != blockSize {
		if b.Size != 0 {
			log.Fatalf("block #%d size mismatch, index %d report %d from cs %d",
				blockID, b.Size, blockSize, serverID)
		}
		log.Infof("block #%d size update, %d to %d", blockID, b.Size, blockSize)
		b.Size = blockSize
	}

	// A report from a pulling chunkserver means the pull completed; transfer
	// it to the holder set exactly as UnmarkPullBlock would.
	if b.Pulling[serverID] {
		delete(b.Pulling, serverID)
		if pending, ok := bm.blocksToReplicate[serverID]; ok {
			delete(pending, blockID)
			if len(pending) == 0 {
				delete(bm.blocksToReplicate, serverID)
			}
		}
		if len(b.Pulling) == 0 && b.PendingChange {
			b.PendingChange = false
		}
	}
	b.Replica[serverID] = true

	cur := int32(len(b.Replica))
	exp := b.ExpectReplicaNum
	if b.PendingChange {
		// A repair is already in flight. Once the last pull drains and the
		// set sits at target, the record is stable again.
		if len(b.Pulling) == 0 && cur == exp {
			b.PendingChange = false
		}
		return true, 0
	}
	switch {
	case cur > exp:
		log.Infof("too many replica for #%d cur=%d expect=%d, drop cs %d",
			blockID, cur, exp, serverID)
		delete(b.Replica, serverID)
		b.PendingChange = true
		return false, 0
	case cur < exp:
		log.Infof("need %d new replica for #%d cur=%d expect=%d",
			exp-cur, blockID, cur, exp)
		return true, exp - cur
	default:
		return true, 0
	}
}

// MarkPullBlock queues one pull instruction for dst. Idempotent: a
// chunkserver already pulling (or holding) the block is not queued again.
func (bm *BlockMapping) MarkPullBlock(dst int32, blockID int64) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("MarkPullBlock(#%d) not found", blockID)
		return false
	}
	if b.Replica[dst] || b.Pulling[dst] {
		return false
	}
	b.Pulling[dst] = true
	b.PendingChange = true
	pending, ok := bm.blocksToReplicate[dst]
	if !ok {
		pending = make(map[int64]bool)
		bm.blocksToReplicate[dst] = pending
	}
	pending[blockID] = true
	log.Infof("add replicate info dst cs %d, block #%d", dst, blockID)
	return true
}

// GetPullBlocks drains the pending pull-set of one chunkserver. Each
// instruction is handed out at most once.
func (bm *BlockMapping) GetPullBlocks(serverID int32) []PullTask {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	pending, ok := bm.blocksToReplicate[serverID]
	if !ok {
		return nil
	}
	delete(bm.blocksToReplicate, serverID)
	tasks := make([]PullTask, 0, len(pending))
	for blockID := range pending {
		b, ok := bm.blocks[blockID]
		if !ok {
			continue
		}
		task := PullTask{BlockID: blockID}
		for cs := range b.Replica {
			task.Sources = append(task.Sources, cs)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// UnmarkPullBlock records a completed pull: the destination becomes a holder.
// A call for an unlinked block is ignored.
func (bm *BlockMapping) UnmarkPullBlock(serverID int32, blockID int64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.blocks[blockID]
	if !ok {
		log.Warnf("can't find block: #%d", blockID)
		return
	}
	delete(b.Pulling, serverID)
	if len(b.Pulling) == 0 && b.PendingChange {
		b.PendingChange = false
		log.Infof("block #%d on cs %d finish replicate", blockID, serverID)
	}
	b.Replica[serverID] = true
}

// DealDeadBlocks forgets a dead chunkserver: it is removed from the replica
// and pulling sets of every block it held, and its undelivered pull
// instructions are dropped. Under-replication left behind is repaired on the
// next report from a surviving holder.
func (bm *BlockMapping) DealDeadBlocks(serverID int32, blocks []int64) {
	log.Infof("replicate %d blocks of dead chunkserver %d", len(blocks), serverID)
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for _, blockID := range blocks {
		// may have been unlinked already
		b, ok := bm.blocks[blockID]
		if !ok {
			continue
		}
		delete(b.Replica, serverID)
		delete(b.Pulling, serverID)
		if len(b.Pulling) == 0 && b.PendingChange {
			b.PendingChange = false
		}
	}
	delete(bm.blocksToReplicate, serverID)
}
