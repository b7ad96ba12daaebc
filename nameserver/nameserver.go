package nameserver

import (
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"

	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/models"
)

// NameServer is the metadata master: it owns the block index, the repair
// queue, the chunkserver roster and the namespace store, and exposes the
// cluster protocol over net/rpc.
type NameServer struct {
	cfg        Config
	instanceID uuid.UUID

	namespace    *Namespace
	blockMapping *BlockMapping
	chunkServers *ChunkServerManager
	metrics      *Metrics
	promReg      *prometheus.Registry

	safeMode      atomic.Bool
	safemodeTimer *time.Timer

	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewNameServer opens the namespace, rebuilds the block index from it and
// arms the safemode timer. With a positive SafemodeSecs the server starts in
// safemode: reports are reconciled but no repair is initiated until the window
// expires. A zero SafemodeSecs starts it outside safemode.
func NewNameServer(cfg Config) (*NameServer, error) {
	namespace, err := NewNamespace(cfg.NamespaceDir)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	s := &NameServer{
		cfg:          cfg,
		instanceID:   uuid.NewV4(),
		namespace:    namespace,
		blockMapping: NewBlockMapping(),
		metrics:      NewMetrics(reg),
		promReg:      reg,
		stop:         make(chan struct{}),
	}
	s.chunkServers = NewChunkServerManager(s.blockMapping, time.Duration(cfg.DeadSecs)*time.Second)
	s.rebuildBlockMap()

	if cfg.SafemodeSecs > 0 {
		s.safeMode.Store(true)
		s.safemodeTimer = time.AfterFunc(time.Duration(cfg.SafemodeSecs)*time.Second, s.LeaveSafemode)
	}
	s.chunkServers.Start()
	if cfg.StatusLogSecs > 0 {
		s.wg.Add(1)
		go s.logStatus(time.Duration(cfg.StatusLogSecs) * time.Second)
	}
	log.Infof("nameserver %s up, namespace version %d", s.instanceID, namespace.Version())
	return s, nil
}

// LeaveSafemode ends the startup window during which repair is suppressed.
func (s *NameServer) LeaveSafemode() {
	if s.safeMode.CompareAndSwap(true, false) {
		log.Info("nameserver leave safemode")
	}
}

// InSafemode reports whether repair is currently suppressed.
func (s *NameServer) InSafemode() bool {
	return s.safeMode.Load()
}

func (s *NameServer) logStatus(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Info(s.metrics.StatusLine())
		case <-s.stop:
			return
		}
	}
}

// Serve accepts RPC connections on l until Shutdown.
func (s *NameServer) Serve(l net.Listener) error {
	s.listener = l
	srv := rpc.NewServer()
	if err := srv.RegisterName("NameServer", s); err != nil {
		return err
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		go srv.ServeConn(conn)
	}
}

// Shutdown stops the background loops and closes the namespace store.
func (s *NameServer) Shutdown() {
	close(s.stop)
	if s.safemodeTimer != nil {
		s.safemodeTimer.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.chunkServers.Stop()
	s.wg.Wait()
	if err := s.namespace.Close(); err != nil {
		log.Errorf("close namespace: %v", err)
	}
}

// Metrics exposes the event-counter registry (the web console reads it).
func (s *NameServer) Metrics() *Metrics {
	return s.metrics
}

/* ========================= chunkserver protocol ========================= */

// HeartBeat refreshes a chunkserver's liveness. Servers carrying a stale
// namespace version are not accounted; the returned version tells them to
// resynchronize via a block report.
func (s *NameServer) HeartBeat(args models.HeartBeatArgs, reply *models.HeartBeatReply) error {
	s.metrics.HeartBeat.Inc()
	reply.SequenceID = args.SequenceID
	if args.NamespaceVersion == s.namespace.Version() {
		s.chunkServers.HandleHeartBeat(&args)
	}
	reply.NamespaceVersion = s.namespace.Version()
	reply.Status = helper.StatusOK
	return nil
}

// BlockReport reconciles one chunkserver's inventory against the block
// index, plans repair for under-replicated blocks and drains the pending
// pull instructions for the reporter.
func (s *NameServer) BlockReport(args models.BlockReportArgs, reply *models.BlockReportReply) error {
	s.metrics.BlockReport.Inc()
	reply.SequenceID = args.SequenceID
	reply.NamespaceVersion = s.namespace.Version()
	reply.Status = helper.StatusOK
	csID := args.ChunkServerID
	log.Infof("report from %d, %s, %d blocks", csID, args.ChunkServerAddr, len(args.Blocks))

	if args.NamespaceVersion != s.namespace.Version() {
		if len(args.Blocks) == 0 {
			csID = s.chunkServers.AddChunkServer(args.ChunkServerAddr, args.DiskQuota)
		} else {
			// stale epoch: everything it holds is garbage
			for _, b := range args.Blocks {
				reply.ObsoleteBlocks = append(reply.ObsoleteBlocks, b.BlockID)
			}
			log.Infof("unknown chunkserver namespace version %d id=%d", args.NamespaceVersion, csID)
		}
		reply.ChunkServerID = csID
		return nil
	}

	oldID := s.chunkServers.GetChunkserverId(args.ChunkServerAddr)
	switch {
	case oldID == -1:
		if !args.IsComplete {
			reply.Status = helper.StatusPartialUnknown
			return nil
		}
		csID = s.chunkServers.AddChunkServer(args.ChunkServerAddr, args.DiskQuota)
	case csID == -1:
		csID = s.chunkServers.AddChunkServer(args.ChunkServerAddr, args.DiskQuota)
		log.Infof("reconnect chunkserver %d %s, cs_num=%d",
			csID, args.ChunkServerAddr, s.chunkServers.GetChunkServerNum())
	case csID != oldID:
		log.Warnf("chunkserver %s id mismatch, old: %d new: %d", args.ChunkServerAddr, oldID, csID)
		reply.Status = helper.StatusProtocolFault
		return nil
	}

	for _, b := range args.Blocks {
		s.metrics.ReportBlocks.Inc()
		accepted, moreReplica := s.blockMapping.UpdateBlockInfo(b.BlockID, csID, b.BlockSize, b.Version)
		if !accepted {
			reply.ObsoleteBlocks = append(reply.ObsoleteBlocks, b.BlockID)
			s.chunkServers.RemoveBlock(csID, b.BlockID)
			log.Infof("obsolete block: #%d on cs %d", b.BlockID, csID)
			continue
		}
		s.chunkServers.AddBlock(csID, b.BlockID)
		if s.InSafemode() || moreReplica == 0 {
			continue
		}
		s.planPulls(b.BlockID, moreReplica)
	}

	for _, task := range s.blockMapping.GetPullBlocks(csID) {
		info := models.ReplicaInfo{BlockID: task.BlockID}
		for _, src := range task.Sources {
			if addr := s.chunkServers.GetChunkServerAddr(src); addr != "" {
				info.ChunkServerAddress = append(info.ChunkServerAddress, addr)
			}
		}
		reply.NewReplicas = append(reply.NewReplicas, info)
		log.Infof("add pull block: #%d dst cs: %d", task.BlockID, csID)
	}
	reply.ChunkServerID = csID
	return nil
}

// planPulls picks up to moreReplica destinations from the roster chain,
// skipping current holders, and queues pulls. Roster and block-index calls
// stay outside each other's locks. When no destination fits, the block is
// marked stable so it does not sit pending forever.
func (s *NameServer) planPulls(blockID int64, moreReplica int32) {
	chains, _ := s.chunkServers.GetChunkServerChains(int(moreReplica))
	if len(chains) == 0 {
		s.blockMapping.MarkBlockStable(blockID)
		return
	}
	replica, err := s.blockMapping.GetReplicaLocation(blockID)
	if err != nil {
		return // unlinked since the report line was processed
	}
	var chosen int32
	for _, c := range chains {
		if chosen >= moreReplica {
			break
		}
		if replica[c.ID] {
			continue
		}
		if s.blockMapping.MarkPullBlock(c.ID, blockID) {
			chosen++
		}
	}
	if chosen == 0 {
		s.blockMapping.MarkBlockStable(blockID)
	}
}

// PullBlockReport acknowledges completed pulls. Idempotent and
// order-insensitive; ids of unlinked blocks are ignored.
func (s *NameServer) PullBlockReport(args models.PullBlockReportArgs, reply *models.StatusReply) error {
	s.metrics.PullReport.Inc()
	reply.SequenceID = args.SequenceID
	reply.Status = helper.StatusOK
	for _, blockID := range args.Blocks {
		s.blockMapping.UnmarkPullBlock(args.ChunkServerID, blockID)
	}
	return nil
}

/* ============================ client protocol =========================== */

func (s *NameServer) CreateFile(args models.CreateFileArgs, reply *models.StatusReply) error {
	s.metrics.CreateFile.Inc()
	reply.SequenceID = args.SequenceID
	reply.Status = s.namespace.CreateFile(args.FileName, args.Flags, args.Mode)
	return nil
}

// AddBlock allocates a block for an open file and hands back a write chain.
// The chosen chunkservers are seeded as holders; their next reports confirm
// or correct that belief.
func (s *NameServer) AddBlock(args models.AddBlockArgs, reply *models.AddBlockReply) error {
	s.metrics.AddBlock.Inc()
	reply.SequenceID = args.SequenceID
	info, err := s.namespace.GetFileInfo(args.FileName)
	if err != nil {
		log.Warnf("AddBlock file not found: %s", args.FileName)
		reply.Status = helper.StatusNotFound
		return nil
	}
	chains, ok := s.chunkServers.GetChunkServerChains(int(info.Replicas))
	if !ok {
		log.Infof("AddBlock for %s failed: no chunkserver chain", args.FileName)
		reply.Status = helper.StatusFailed
		return nil
	}
	blockID := s.blockMapping.NewBlockID()
	if err := s.blockMapping.AddNewBlock(blockID); err != nil {
		log.Fatalf("AddBlock: fresh id #%d already present: %v", blockID, err)
	}
	log.Infof("[AddBlock] new block for %s id=#%d", args.FileName, blockID)
	reply.Block.BlockID = blockID
	for i := 0; i < int(info.Replicas); i++ {
		s.blockMapping.SeedReplica(blockID, chains[i].ID)
		reply.Block.Chains = append(reply.Block.Chains, chains[i].Addr)
	}
	reply.Status = helper.StatusOK

	info.Blocks = append(info.Blocks, blockID)
	info.Version = helper.VersionOpen
	if err := s.namespace.UpdateFileInfo(info); err != nil {
		// The stranded record is harmless: no file points at it and the next
		// restart recovers over it.
		log.Warnf("update file info fail: %s", args.FileName)
		reply.Status = helper.StatusUpdateConflict
	}
	return nil
}

// FinishBlock seals a block at its final generation.
func (s *NameServer) FinishBlock(args models.FinishBlockArgs, reply *models.StatusReply) error {
	reply.SequenceID = args.SequenceID
	if err := s.blockMapping.SetBlockVersion(args.BlockID, args.BlockVersion); err != nil {
		reply.Status = helper.StatusFailed
		return nil
	}
	if err := s.blockMapping.MarkBlockStable(args.BlockID); err != nil {
		reply.Status = helper.StatusFailed
		return nil
	}
	reply.Status = helper.StatusOK
	return nil
}

// GetFileLocation resolves every block of a file to chunkserver addresses.
// Replicas still being pulled are hidden from readers.
func (s *NameServer) GetFileLocation(args models.FileLocationArgs, reply *models.FileLocationReply) error {
	s.metrics.GetLocation.Inc()
	reply.SequenceID = args.SequenceID
	info, err := s.namespace.GetFileInfo(args.FileName)
	if err != nil {
		log.Infof("GetFileLocation not found: %s", args.FileName)
		reply.Status = helper.StatusNotFound
		return nil
	}
	for _, blockID := range info.Blocks {
		block, err := s.blockMapping.GetBlock(blockID)
		if err != nil {
			log.Warnf("GetFileLocation GetBlock fail #%d", blockID)
			continue
		}
		located := models.LocatedBlock{BlockID: blockID, BlockSize: block.Size}
		for csID := range block.Replica {
			if block.Pulling[csID] {
				log.Infof("replica under construction #%d on %d", blockID, csID)
				continue
			}
			addr := s.chunkServers.GetChunkServerAddr(csID)
			if addr == "" {
				log.Infof("GetChunkServerAddr from id %d fail", csID)
				continue
			}
			located.Chains = append(located.Chains, addr)
		}
		reply.Blocks = append(reply.Blocks, located)
	}
	// success if the file exists, however many blocks resolved
	reply.Status = helper.StatusOK
	return nil
}

// Stat returns the file's metadata with its size summed over the index's
// view of each block; missing blocks contribute zero.
func (s *NameServer) Stat(args models.StatArgs, reply *models.StatReply) error {
	reply.SequenceID = args.SequenceID
	info, err := s.namespace.GetFileInfo(args.Path)
	if err != nil {
		reply.Status = helper.StatusNotFound
		return nil
	}
	var size int64
	for _, blockID := range info.Blocks {
		block, err := s.blockMapping.GetBlock(blockID)
		if err != nil {
			continue
		}
		size += block.Size
	}
	info.Size = size
	reply.FileInfo = info
	reply.Status = helper.StatusOK
	return nil
}

func (s *NameServer) ListDirectory(args models.ListDirectoryArgs, reply *models.ListDirectoryReply) error {
	s.metrics.ListDir.Inc()
	reply.SequenceID = args.SequenceID
	reply.Files, reply.Status = s.namespace.ListDirectory(args.Path)
	return nil
}

// Rename moves a file; a clobbered target's blocks are unlinked.
func (s *NameServer) Rename(args models.RenameArgs, reply *models.StatusReply) error {
	reply.SequenceID = args.SequenceID
	status, removed := s.namespace.Rename(args.OldPath, args.NewPath)
	if status == helper.StatusOK && removed != nil {
		s.blockMapping.RemoveBlocksForFile(*removed)
	}
	reply.Status = status
	return nil
}

func (s *NameServer) Unlink(args models.UnlinkArgs, reply *models.StatusReply) error {
	s.metrics.Unlink.Inc()
	reply.SequenceID = args.SequenceID
	info, status := s.namespace.RemoveFile(args.Path)
	if status == helper.StatusOK {
		s.blockMapping.RemoveBlocksForFile(info)
	}
	log.Infof("unlink: %s return %d", args.Path, status)
	reply.Status = status
	return nil
}

func (s *NameServer) DeleteDirectory(args models.DeleteDirectoryArgs, reply *models.StatusReply) error {
	reply.SequenceID = args.SequenceID
	if !helper.IsAbsPath(args.Path) {
		reply.Status = helper.StatusFailed
		return nil
	}
	removed, status := s.namespace.DeleteDirectory(args.Path, args.Recursive)
	for _, info := range removed {
		s.blockMapping.RemoveBlocksForFile(info)
	}
	reply.Status = status
	return nil
}

// ChangeReplicaNum retargets the replication factor of a file and of every
// block it owns.
func (s *NameServer) ChangeReplicaNum(args models.ChangeReplicaNumArgs, reply *models.StatusReply) error {
	reply.SequenceID = args.SequenceID
	info, err := s.namespace.GetFileInfo(args.FileName)
	if err != nil {
		log.Warnf("change replica num not found: %s", args.FileName)
		reply.Status = helper.StatusNotFound
		return nil
	}
	info.Replicas = args.ReplicaNum
	if err := s.namespace.UpdateFileInfo(info); err != nil {
		reply.Status = helper.StatusUpdateConflict
		return nil
	}
	for _, blockID := range info.Blocks {
		if err := s.blockMapping.ChangeReplicaNum(blockID, args.ReplicaNum); err != nil {
			log.Warnf("change replica num: block #%d missing", blockID)
		}
	}
	log.Infof("change %s replica num to %d", args.FileName, args.ReplicaNum)
	reply.Status = helper.StatusOK
	return nil
}

func (s *NameServer) SysStat(args models.SysStatArgs, reply *models.SysStatReply) error {
	reply.SequenceID = args.SequenceID
	reply.InstanceID = s.instanceID.String()
	reply.ChunkServers = s.chunkServers.ListChunkServers()
	reply.Status = helper.StatusOK
	return nil
}
