package helper

import "errors"

// RPC status codes, carried in every response. The values are fixed for wire
// compatibility with existing chunkservers and clients.
const (
	StatusOK             = 0
	StatusPartialUnknown = 403 // partial block report from an unknown chunkserver
	StatusNotFound       = 404
	StatusUpdateConflict = 826 // namespace get/update collision
	StatusFailed         = 886 // no chunkserver chain, bad path, allocation failure
	StatusProtocolFault  = -1  // chunkserver identity mismatch
)

const (
	DefaultRPCAddr       = ":8828"
	DefaultWebAddr       = ":8829"
	DefaultReplicaNum    = 3
	DefaultSafemodeSecs  = 120
	DefaultKeepaliveSecs = 10
	DefaultDeadSecs      = 30
)

// VersionOpen is the version an unfinished block carries until FinishBlock
// seals it, and the version AddBlock gives the file it appends to.
const VersionOpen = -1

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrBlockExists   = errors.New("block already exists")
	ErrFileNotFound  = errors.New("file not found")
	ErrFileExists    = errors.New("file already exists")
)
