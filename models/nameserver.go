package models

// Request and response structs for the NameServer RPC service. Every request
// carries a client-chosen SequenceID which the nameserver echoes back; every
// response carries a Status from the helper package's code taxonomy.

type HeartBeatArgs struct {
	SequenceID       int64
	ChunkServerAddr  string
	ChunkServerID    int32
	NamespaceVersion int64
	BlockNum         int32
	DataSize         int64
	Buffers          int32
}

type HeartBeatReply struct {
	SequenceID       int64
	Status           int
	NamespaceVersion int64
}

type BlockReportArgs struct {
	SequenceID       int64
	ChunkServerAddr  string
	ChunkServerID    int32
	NamespaceVersion int64
	DiskQuota        int64
	DiskUsed         int64
	IsComplete       bool
	Blocks           []ReportBlockInfo
}

type BlockReportReply struct {
	SequenceID       int64
	Status           int
	NamespaceVersion int64
	ChunkServerID    int32
	ObsoleteBlocks   []int64
	NewReplicas      []ReplicaInfo
}

type PullBlockReportArgs struct {
	SequenceID    int64
	ChunkServerID int32
	Blocks        []int64
}

// StatusReply is shared by the operations whose response is a bare status.
type StatusReply struct {
	SequenceID int64
	Status     int
}

type CreateFileArgs struct {
	SequenceID int64
	FileName   string
	Flags      int32
	Mode       uint32
}

type AddBlockArgs struct {
	SequenceID int64
	FileName   string
}

type AddBlockReply struct {
	SequenceID int64
	Status     int
	Block      LocatedBlock
}

type FinishBlockArgs struct {
	SequenceID   int64
	BlockID      int64
	BlockVersion int64
}

type FileLocationArgs struct {
	SequenceID int64
	FileName   string
}

type FileLocationReply struct {
	SequenceID int64
	Status     int
	Blocks     []LocatedBlock
}

type ListDirectoryArgs struct {
	SequenceID int64
	Path       string
}

type ListDirectoryReply struct {
	SequenceID int64
	Status     int
	Files      []FileInfo
}

type StatArgs struct {
	SequenceID int64
	Path       string
}

type StatReply struct {
	SequenceID int64
	Status     int
	FileInfo   FileInfo
}

type RenameArgs struct {
	SequenceID int64
	OldPath    string
	NewPath    string
}

type UnlinkArgs struct {
	SequenceID int64
	Path       string
}

type DeleteDirectoryArgs struct {
	SequenceID int64
	Path       string
	Recursive  bool
}

type ChangeReplicaNumArgs struct {
	SequenceID int64
	FileName   string
	ReplicaNum int32
}

type SysStatArgs struct {
	SequenceID int64
}

type SysStatReply struct {
	SequenceID   int64
	Status       int
	InstanceID   string
	ChunkServers []ChunkServerInfo
}
