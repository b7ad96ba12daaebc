package nameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nikita-Ting/bfs/helper"
)

func newTestNamespace(t *testing.T) *Namespace {
	t.Helper()
	ns, err := NewNamespace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })
	return ns
}

func TestCreateAndGetFile(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/home/dir/f", 0, 0644))

	info, err := ns.GetFileInfo("/home/dir/f")
	require.NoError(t, err)
	assert.Equal(t, "/home/dir/f", info.Name)
	assert.False(t, info.IsDir)
	assert.Equal(t, int32(helper.DefaultReplicaNum), info.Replicas)

	// parents were created on the way down
	parent, err := ns.GetFileInfo("/home/dir")
	require.NoError(t, err)
	assert.True(t, parent.IsDir)

	assert.Equal(t, helper.StatusFailed, ns.CreateFile("/home/dir/f", 0, 0644))
	assert.Equal(t, helper.StatusFailed, ns.CreateFile("relative", 0, 0644))
}

func TestUpdateFileInfoCollision(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/f", 0, 0644))
	info, err := ns.GetFileInfo("/f")
	require.NoError(t, err)

	info.Blocks = append(info.Blocks, 1)
	require.NoError(t, ns.UpdateFileInfo(info))

	// the entry vanished between get and update
	_, status := ns.RemoveFile("/f")
	require.Equal(t, helper.StatusOK, status)
	assert.Error(t, ns.UpdateFileInfo(info))
}

func TestListDirectory(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/a", 0, 0644))
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/b", 0, 0644))
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/sub/c", 0, 0644))

	files, status := ns.ListDirectory("/dir")
	require.Equal(t, helper.StatusOK, status)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"/dir/a", "/dir/b", "/dir/sub"}, names)

	_, status = ns.ListDirectory("/nope")
	assert.Equal(t, helper.StatusNotFound, status)
}

func TestRenameReplacesTarget(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/a", 0, 0644))
	require.Equal(t, helper.StatusOK, ns.CreateFile("/b", 0, 0644))

	target, err := ns.GetFileInfo("/b")
	require.NoError(t, err)

	status, removed := ns.Rename("/a", "/b")
	require.Equal(t, helper.StatusOK, status)
	require.NotNil(t, removed)
	assert.Equal(t, target.EntryID, removed.EntryID)

	_, err = ns.GetFileInfo("/a")
	assert.ErrorIs(t, err, helper.ErrFileNotFound)
	moved, err := ns.GetFileInfo("/b")
	require.NoError(t, err)
	assert.Equal(t, "/b", moved.Name)

	status, _ = ns.Rename("/missing", "/c")
	assert.Equal(t, helper.StatusNotFound, status)
}

func TestDeleteDirectory(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/a", 0, 0644))
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/sub/b", 0, 0644))

	_, status := ns.DeleteDirectory("/dir", false)
	assert.Equal(t, helper.StatusFailed, status, "non-recursive delete of a populated dir")

	removed, status := ns.DeleteDirectory("/dir", true)
	require.Equal(t, helper.StatusOK, status)
	names := make([]string, 0, len(removed))
	for _, f := range removed {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"/dir/a", "/dir/sub/b"}, names, "only files need unlinking")

	_, status = ns.DeleteDirectory("/dir", true)
	assert.Equal(t, helper.StatusNotFound, status)
}

func TestWalkFiles(t *testing.T) {
	ns := newTestNamespace(t)
	require.Equal(t, helper.StatusOK, ns.CreateFile("/a", 0, 0644))
	require.Equal(t, helper.StatusOK, ns.CreateFile("/dir/b", 0, 0644))

	var names []string
	it := ns.WalkFiles()
	for {
		info, ok := it.Next()
		if !ok {
			break
		}
		assert.False(t, info.IsDir)
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{"/a", "/dir/b"}, names)
}

func TestNamespacePersistence(t *testing.T) {
	dir := t.TempDir()
	ns, err := NewNamespace(dir)
	require.NoError(t, err)
	version := ns.Version()
	require.Equal(t, helper.StatusOK, ns.CreateFile("/f", 0, 0644))
	info, err := ns.GetFileInfo("/f")
	require.NoError(t, err)
	info.Blocks = []int64{4, 5}
	require.NoError(t, ns.UpdateFileInfo(info))
	require.NoError(t, ns.Close())

	reopened, err := NewNamespace(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, version, reopened.Version(), "the epoch survives restart")
	got, err := reopened.GetFileInfo("/f")
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, got.Blocks)
}
