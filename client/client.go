package client

import (
	"net/rpc"
	"sync/atomic"

	"github.com/Nikita-Ting/bfs/models"
)

// Client is a thin wrapper over the NameServer RPC surface. It is safe for
// concurrent use; sequence ids are process-local and monotonic.
type Client struct {
	addr string
	rpc  *rpc.Client
	seq  int64
}

// New dials the nameserver.
func New(addr string) (*Client, error) {
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, rpc: conn}, nil
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

func (c *Client) CreateFile(path string, flags int32, mode uint32) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.CreateFile", models.CreateFileArgs{
		SequenceID: c.nextSeq(), FileName: path, Flags: flags, Mode: mode,
	}, &reply)
	return reply.Status, err
}

func (c *Client) AddBlock(path string) (models.LocatedBlock, int, error) {
	var reply models.AddBlockReply
	err := c.rpc.Call("NameServer.AddBlock", models.AddBlockArgs{
		SequenceID: c.nextSeq(), FileName: path,
	}, &reply)
	return reply.Block, reply.Status, err
}

func (c *Client) FinishBlock(blockID, version int64) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.FinishBlock", models.FinishBlockArgs{
		SequenceID: c.nextSeq(), BlockID: blockID, BlockVersion: version,
	}, &reply)
	return reply.Status, err
}

func (c *Client) GetFileLocation(path string) ([]models.LocatedBlock, int, error) {
	var reply models.FileLocationReply
	err := c.rpc.Call("NameServer.GetFileLocation", models.FileLocationArgs{
		SequenceID: c.nextSeq(), FileName: path,
	}, &reply)
	return reply.Blocks, reply.Status, err
}

func (c *Client) Stat(path string) (models.FileInfo, int, error) {
	var reply models.StatReply
	err := c.rpc.Call("NameServer.Stat", models.StatArgs{
		SequenceID: c.nextSeq(), Path: path,
	}, &reply)
	return reply.FileInfo, reply.Status, err
}

func (c *Client) ListDirectory(path string) ([]models.FileInfo, int, error) {
	var reply models.ListDirectoryReply
	err := c.rpc.Call("NameServer.ListDirectory", models.ListDirectoryArgs{
		SequenceID: c.nextSeq(), Path: path,
	}, &reply)
	return reply.Files, reply.Status, err
}

func (c *Client) Rename(oldPath, newPath string) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.Rename", models.RenameArgs{
		SequenceID: c.nextSeq(), OldPath: oldPath, NewPath: newPath,
	}, &reply)
	return reply.Status, err
}

func (c *Client) Unlink(path string) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.Unlink", models.UnlinkArgs{
		SequenceID: c.nextSeq(), Path: path,
	}, &reply)
	return reply.Status, err
}

func (c *Client) DeleteDirectory(path string, recursive bool) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.DeleteDirectory", models.DeleteDirectoryArgs{
		SequenceID: c.nextSeq(), Path: path, Recursive: recursive,
	}, &reply)
	return reply.Status, err
}

func (c *Client) ChangeReplicaNum(path string, replicaNum int32) (int, error) {
	var reply models.StatusReply
	err := c.rpc.Call("NameServer.ChangeReplicaNum", models.ChangeReplicaNumArgs{
		SequenceID: c.nextSeq(), FileName: path, ReplicaNum: replicaNum,
	}, &reply)
	return reply.Status, err
}

func (c *Client) SysStat() (models.SysStatReply, error) {
	var reply models.SysStatReply
	err := c.rpc.Call("NameServer.SysStat", models.SysStatArgs{
		SequenceID: c.nextSeq(),
	}, &reply)
	return reply, err
}
