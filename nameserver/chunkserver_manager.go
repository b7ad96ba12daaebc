package nameserver

import (
	"sort"
	"sync"
	"time"

	"github.com/Nikita-Ting/bfs/models"
)

// ChunkServerChain is one candidate destination for a write pipeline or a
// replica pull.
type ChunkServerChain struct {
	ID   int32
	Addr string
}

type chunkServerEntry struct {
	id            int32
	addr          string
	diskQuota     int64
	dataSize      int64
	buffers       int32
	blocks        map[int64]bool
	lastHeartbeat time.Time
	alive         bool
}

// ChunkServerManager is the roster of storage nodes: address↔id mapping,
// per-server block links and heartbeat liveness. A server that misses
// heartbeats long enough is declared dead and its blocks are handed to
// BlockMapping.DealDeadBlocks.
type ChunkServerManager struct {
	mu       sync.RWMutex
	nextID   int32
	servers  map[int32]*chunkServerEntry
	addrToID map[string]int32
	aliveNum int32

	blockMapping *BlockMapping
	deadAfter    time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
}

func NewChunkServerManager(bm *BlockMapping, deadAfter time.Duration) *ChunkServerManager {
	return &ChunkServerManager{
		nextID:       1,
		servers:      make(map[int32]*chunkServerEntry),
		addrToID:     make(map[string]int32),
		blockMapping: bm,
		deadAfter:    deadAfter,
		stop:         make(chan struct{}),
	}
}

// Start launches the dead-server scan loop.
func (cm *ChunkServerManager) Start() {
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		ticker := time.NewTicker(cm.deadAfter / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cm.detectDeadChunkServers()
			case <-cm.stop:
				return
			}
		}
	}()
}

func (cm *ChunkServerManager) Stop() {
	close(cm.stop)
	cm.wg.Wait()
}

// AddChunkServer registers a chunkserver address, assigning a fresh id, or
// revives the entry a known address already owns.
func (cm *ChunkServerManager) AddChunkServer(addr string, diskQuota int64) int32 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if id, ok := cm.addrToID[addr]; ok {
		entry := cm.servers[id]
		if !entry.alive {
			entry.alive = true
			cm.aliveNum++
		}
		entry.diskQuota = diskQuota
		entry.lastHeartbeat = time.Now()
		return id
	}
	id := cm.nextID
	cm.nextID++
	cm.servers[id] = &chunkServerEntry{
		id:            id,
		addr:          addr,
		diskQuota:     diskQuota,
		blocks:        make(map[int64]bool),
		lastHeartbeat: time.Now(),
		alive:         true,
	}
	cm.addrToID[addr] = id
	cm.aliveNum++
	log.Infof("new chunkserver %d %s, cs_num=%d", id, addr, cm.aliveNum)
	return id
}

// GetChunkserverId resolves an address; -1 when the address was never seen.
func (cm *ChunkServerManager) GetChunkserverId(addr string) int32 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if id, ok := cm.addrToID[addr]; ok {
		return id
	}
	return -1
}

// GetChunkServerAddr resolves an id; "" when the id is unknown.
func (cm *ChunkServerManager) GetChunkServerAddr(id int32) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if entry, ok := cm.servers[id]; ok {
		return entry.addr
	}
	return ""
}

// GetChunkServerChains returns the alive servers ordered least-loaded first.
// ok is false when fewer than n servers are alive; callers that can make do
// with a shorter chain ignore it.
func (cm *ChunkServerManager) GetChunkServerChains(n int) ([]ChunkServerChain, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	alive := make([]*chunkServerEntry, 0, len(cm.servers))
	for _, entry := range cm.servers {
		if entry.alive {
			alive = append(alive, entry)
		}
	}
	sort.Slice(alive, func(i, j int) bool {
		if len(alive[i].blocks) != len(alive[j].blocks) {
			return len(alive[i].blocks) < len(alive[j].blocks)
		}
		return alive[i].id < alive[j].id
	})
	chains := make([]ChunkServerChain, 0, len(alive))
	for _, entry := range alive {
		chains = append(chains, ChunkServerChain{ID: entry.id, Addr: entry.addr})
	}
	return chains, len(chains) >= n
}

// HandleHeartBeat refreshes liveness accounting for a reporting chunkserver.
// Heartbeats from addresses the roster has never seen are ignored; those
// servers register through an empty block report first.
func (cm *ChunkServerManager) HandleHeartBeat(args *models.HeartBeatArgs) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	id, ok := cm.addrToID[args.ChunkServerAddr]
	if !ok {
		return
	}
	entry := cm.servers[id]
	entry.lastHeartbeat = time.Now()
	entry.dataSize = args.DataSize
	entry.buffers = args.Buffers
	if !entry.alive {
		entry.alive = true
		cm.aliveNum++
		log.Infof("chunkserver %d %s back to life", id, entry.addr)
	}
}

// AddBlock links a block to the chunkserver holding it.
func (cm *ChunkServerManager) AddBlock(id int32, blockID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entry, ok := cm.servers[id]; ok {
		entry.blocks[blockID] = true
	}
}

// RemoveBlock drops the link between a chunkserver and a block.
func (cm *ChunkServerManager) RemoveBlock(id int32, blockID int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entry, ok := cm.servers[id]; ok {
		delete(entry.blocks, blockID)
	}
}

// GetChunkServerNum returns the number of alive chunkservers.
func (cm *ChunkServerManager) GetChunkServerNum() int32 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.aliveNum
}

// ListChunkServers returns a snapshot of every roster entry.
func (cm *ChunkServerManager) ListChunkServers() []models.ChunkServerInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	infos := make([]models.ChunkServerInfo, 0, len(cm.servers))
	for _, entry := range cm.servers {
		infos = append(infos, models.ChunkServerInfo{
			ID:            entry.id,
			Address:       entry.addr,
			BlockNum:      int32(len(entry.blocks)),
			DataSize:      entry.dataSize,
			DiskQuota:     entry.diskQuota,
			Buffers:       entry.buffers,
			Alive:         entry.alive,
			LastHeartbeat: entry.lastHeartbeat.Unix(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// detectDeadChunkServers declares servers silent for deadAfter dead and
// hands their block sets to the block mapping. The address mapping survives
// so a returning server gets its old id back.
func (cm *ChunkServerManager) detectDeadChunkServers() {
	type dead struct {
		id     int32
		blocks []int64
	}
	var victims []dead

	cm.mu.Lock()
	for id, entry := range cm.servers {
		if !entry.alive || time.Since(entry.lastHeartbeat) <= cm.deadAfter {
			continue
		}
		log.Warnf("chunkserver %d %s is dead", id, entry.addr)
		entry.alive = false
		cm.aliveNum--
		blocks := make([]int64, 0, len(entry.blocks))
		for blockID := range entry.blocks {
			blocks = append(blocks, blockID)
		}
		entry.blocks = make(map[int64]bool)
		victims = append(victims, dead{id: id, blocks: blocks})
	}
	cm.mu.Unlock()

	// Block-mapping calls happen outside the roster lock; the two subsystems
	// never nest their mutexes.
	for _, v := range victims {
		cm.blockMapping.DealDeadBlocks(v.id, v.blocks)
	}
}
