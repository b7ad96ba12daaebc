package chunkserver

import (
	"net/rpc"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/models"
)

var log = logrus.New()

// SetLogger replaces the package logger. Call before Start.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

type Config struct {
	Addr           string
	NameServerAddr string
	DiskQuota      int64
	HeartbeatSecs  int
	ReportSecs     int
}

// BlockMeta is the agent's local knowledge of one replica.
type BlockMeta struct {
	Size    int64
	Version int64
}

// ChunkServer is the metadata half of a storage node: it registers with the
// nameserver, heartbeats, reports its block inventory, deletes what the
// nameserver declares obsolete and acknowledges the pulls it is assigned.
// Block payloads are outside its concern.
type ChunkServer struct {
	cfg Config

	mu        sync.Mutex
	id        int32
	nsVersion int64
	blocks    map[int64]BlockMeta

	rpc  *rpc.Client
	seq  int64
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *ChunkServer {
	if cfg.HeartbeatSecs <= 0 {
		cfg.HeartbeatSecs = helper.DefaultKeepaliveSecs
	}
	if cfg.ReportSecs <= 0 {
		cfg.ReportSecs = helper.DefaultKeepaliveSecs * 3
	}
	return &ChunkServer{
		cfg:    cfg,
		id:     -1,
		blocks: make(map[int64]BlockMeta),
		stop:   make(chan struct{}),
	}
}

func (cs *ChunkServer) nextSeq() int64 {
	return atomic.AddInt64(&cs.seq, 1)
}

// Start dials the nameserver, registers and launches the heartbeat and
// report loops.
func (cs *ChunkServer) Start() error {
	conn, err := rpc.Dial("tcp", cs.cfg.NameServerAddr)
	if err != nil {
		return err
	}
	cs.rpc = conn
	if err := cs.register(); err != nil {
		conn.Close()
		return err
	}
	cs.wg.Add(2)
	go cs.heartbeatLoop()
	go cs.reportLoop()
	return nil
}

func (cs *ChunkServer) Stop() {
	close(cs.stop)
	cs.wg.Wait()
	if cs.rpc != nil {
		cs.rpc.Close()
	}
}

// register announces this address with an empty block report; the reply
// carries the namespace version and the id the roster assigned.
func (cs *ChunkServer) register() error {
	var reply models.BlockReportReply
	err := cs.rpc.Call("NameServer.BlockReport", models.BlockReportArgs{
		SequenceID:      cs.nextSeq(),
		ChunkServerAddr: cs.cfg.Addr,
		ChunkServerID:   -1,
		DiskQuota:       cs.cfg.DiskQuota,
		IsComplete:      true,
	}, &reply)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.id = reply.ChunkServerID
	cs.nsVersion = reply.NamespaceVersion
	cs.mu.Unlock()
	log.Infof("chunkserver %s registered, id=%d ns_version=%d",
		cs.cfg.Addr, reply.ChunkServerID, reply.NamespaceVersion)
	return nil
}

// ID returns the roster id the nameserver assigned, -1 before registration.
func (cs *ChunkServer) ID() int32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.id
}

// SetBlock records a replica in the local inventory (the write path of the
// data plane lands here).
func (cs *ChunkServer) SetBlock(blockID int64, meta BlockMeta) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.blocks[blockID] = meta
}

// HasBlock reports whether the inventory holds the block.
func (cs *ChunkServer) HasBlock(blockID int64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.blocks[blockID]
	return ok
}

func (cs *ChunkServer) inventory() (int32, int64, []models.ReportBlockInfo) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var dataSize int64
	blocks := make([]models.ReportBlockInfo, 0, len(cs.blocks))
	for id, meta := range cs.blocks {
		blocks = append(blocks, models.ReportBlockInfo{
			BlockID: id, BlockSize: meta.Size, Version: meta.Version,
		})
		dataSize += meta.Size
	}
	return int32(len(blocks)), dataSize, blocks
}

func (cs *ChunkServer) heartbeatLoop() {
	defer cs.wg.Done()
	ticker := time.NewTicker(time.Duration(cs.cfg.HeartbeatSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cs.SendHeartBeat()
		case <-cs.stop:
			return
		}
	}
}

// SendHeartBeat sends one heartbeat; a version drift in the reply forces a
// full re-report.
func (cs *ChunkServer) SendHeartBeat() {
	blockNum, dataSize, _ := cs.inventory()
	cs.mu.Lock()
	args := models.HeartBeatArgs{
		SequenceID:       cs.nextSeq(),
		ChunkServerAddr:  cs.cfg.Addr,
		ChunkServerID:    cs.id,
		NamespaceVersion: cs.nsVersion,
		BlockNum:         blockNum,
		DataSize:         dataSize,
	}
	cs.mu.Unlock()
	var reply models.HeartBeatReply
	if err := cs.rpc.Call("NameServer.HeartBeat", args, &reply); err != nil {
		log.Warnf("heartbeat: %v", err)
		return
	}
	if reply.NamespaceVersion != args.NamespaceVersion {
		log.Infof("namespace version moved %d -> %d, re-reporting",
			args.NamespaceVersion, reply.NamespaceVersion)
		cs.SendBlockReport()
	}
}

func (cs *ChunkServer) reportLoop() {
	defer cs.wg.Done()
	ticker := time.NewTicker(time.Duration(cs.cfg.ReportSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cs.SendBlockReport()
		case <-cs.stop:
			return
		}
	}
}

// SendBlockReport pushes the full inventory and applies the nameserver's
// verdict: obsolete replicas are dropped, assigned pulls are recorded and
// acknowledged.
func (cs *ChunkServer) SendBlockReport() {
	_, dataSize, blocks := cs.inventory()
	cs.mu.Lock()
	args := models.BlockReportArgs{
		SequenceID:       cs.nextSeq(),
		ChunkServerAddr:  cs.cfg.Addr,
		ChunkServerID:    cs.id,
		NamespaceVersion: cs.nsVersion,
		DiskQuota:        cs.cfg.DiskQuota,
		DiskUsed:         dataSize,
		IsComplete:       true,
		Blocks:           blocks,
	}
	cs.mu.Unlock()
	var reply models.BlockReportReply
	if err := cs.rpc.Call("NameServer.BlockReport", args, &reply); err != nil {
		log.Warnf("block report: %v", err)
		return
	}
	cs.mu.Lock()
	cs.id = reply.ChunkServerID
	cs.nsVersion = reply.NamespaceVersion
	for _, blockID := range reply.ObsoleteBlocks {
		delete(cs.blocks, blockID)
		log.Infof("drop obsolete block #%d", blockID)
	}
	cs.mu.Unlock()
	if len(reply.NewReplicas) > 0 {
		cs.pullReplicas(reply.NewReplicas)
	}
}

// pullReplicas records each assigned replica that lists at least one source
// in the inventory and acknowledges them. No payload is fetched here; the
// data plane transfers it out of band.
func (cs *ChunkServer) pullReplicas(assignments []models.ReplicaInfo) {
	done := make([]int64, 0, len(assignments))
	cs.mu.Lock()
	for _, info := range assignments {
		if len(info.ChunkServerAddress) == 0 {
			continue
		}
		if _, ok := cs.blocks[info.BlockID]; !ok {
			cs.blocks[info.BlockID] = BlockMeta{Version: helper.VersionOpen}
		}
		done = append(done, info.BlockID)
		log.Infof("pull block #%d from %v", info.BlockID, info.ChunkServerAddress)
	}
	id := cs.id
	cs.mu.Unlock()
	if len(done) == 0 {
		return
	}
	var reply models.StatusReply
	if err := cs.rpc.Call("NameServer.PullBlockReport", models.PullBlockReportArgs{
		SequenceID:    cs.nextSeq(),
		ChunkServerID: id,
		Blocks:        done,
	}, &reply); err != nil {
		log.Warnf("pull block report: %v", err)
	}
}
