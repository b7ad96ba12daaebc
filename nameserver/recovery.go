package nameserver

// rebuildBlockMap reconstructs the block index from a namespace walk. The
// index itself is never persisted; replica sets start empty and fill in as
// chunkservers re-report their inventory during safemode.
func (s *NameServer) rebuildBlockMap() {
	files, blocks := 0, 0
	it := s.namespace.WalkFiles()
	for {
		info, ok := it.Next()
		if !ok {
			break
		}
		files++
		for _, blockID := range info.Blocks {
			if err := s.blockMapping.AddNewBlock(blockID); err != nil {
				log.Fatalf("recovery: duplicate block #%d in %s: %v", blockID, info.Name, err)
			}
			s.blockMapping.SetBlockVersion(blockID, info.Version)
			s.blockMapping.ChangeReplicaNum(blockID, info.Replicas)
			s.blockMapping.MarkBlockStable(blockID)
			blocks++
		}
	}
	log.Infof("block map rebuilt: %d files, %d blocks", files, blocks)
}
