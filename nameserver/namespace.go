package nameserver

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"

	"github.com/Nikita-Ting/bfs/helper"
	"github.com/Nikita-Ting/bfs/models"
)

const (
	nsEntryPrefix = "N"
	nsVersionKey  = "M/version"
	nsEntrySeqKey = "M/entryseq"
)

// Namespace is the durable path→FileInfo store. Entries are JSON values in
// badger; an ordered in-memory treemap mirrors the keys for directory scans.
// The namespace version is minted when the store is first formatted and
// identifies this metadata epoch to chunkservers.
type Namespace struct {
	mu       sync.RWMutex
	db       *badger.DB
	tree     *treemap.Map // path -> models.FileInfo
	version  int64
	entrySeq int64
}

func NewNamespace(dir string) (*Namespace, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open namespace db %s", dir)
	}
	ns := &Namespace{
		db:   db,
		tree: treemap.NewWith(utils.StringComparator),
	}
	if err := ns.load(); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("namespace loaded, version %d, %d entries", ns.version, ns.tree.Size())
	return ns, nil
}

func (ns *Namespace) Close() error {
	return ns.db.Close()
}

func (ns *Namespace) load() error {
	return ns.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nsVersionKey))
		switch {
		case err == badger.ErrKeyNotFound:
			// first start: format the namespace
			ns.version = time.Now().UnixNano()
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(ns.version))
			if err := txn.Set([]byte(nsVersionKey), buf[:]); err != nil {
				return errors.Wrap(err, "format namespace")
			}
			log.Infof("format new namespace, version %d", ns.version)
		case err != nil:
			return errors.Wrap(err, "read namespace version")
		default:
			if err := item.Value(func(v []byte) error {
				ns.version = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}

		if item, err := txn.Get([]byte(nsEntrySeqKey)); err == nil {
			if err := item.Value(func(v []byte) error {
				ns.entrySeq = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return errors.Wrap(err, "read entry sequence")
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(nsEntryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info models.FileInfo
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &info)
			}); err != nil {
				return errors.Wrapf(err, "decode entry %s", it.Item().Key())
			}
			ns.tree.Put(info.Name, info)
		}
		return nil
	})
}

// Version returns the namespace epoch tag.
func (ns *Namespace) Version() int64 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.version
}

func entryKey(path string) []byte {
	return []byte(nsEntryPrefix + path)
}

// putEntry writes one entry through to badger and the treemap.
// Caller holds ns.mu.
func (ns *Namespace) putEntry(info models.FileInfo) error {
	val, err := json.Marshal(info)
	if err != nil {
		return errors.Wrapf(err, "encode entry %s", info.Name)
	}
	if err := ns.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(info.Name), val)
	}); err != nil {
		return errors.Wrapf(err, "persist entry %s", info.Name)
	}
	ns.tree.Put(info.Name, info)
	return nil
}

// delEntry removes one entry from badger and the treemap. Caller holds ns.mu.
func (ns *Namespace) delEntry(path string) error {
	if err := ns.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(path))
	}); err != nil {
		return errors.Wrapf(err, "delete entry %s", path)
	}
	ns.tree.Remove(path)
	return nil
}

func (ns *Namespace) nextEntryID() (int64, error) {
	ns.entrySeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ns.entrySeq))
	if err := ns.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(nsEntrySeqKey), buf[:])
	}); err != nil {
		return 0, errors.Wrap(err, "persist entry sequence")
	}
	return ns.entrySeq, nil
}

// mkdirParents creates the missing directory entries above path.
// Caller holds ns.mu.
func (ns *Namespace) mkdirParents(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	dir := ""
	for _, p := range parts[:len(parts)-1] {
		dir = dir + "/" + p
		if existing, ok := ns.tree.Get(dir); ok {
			if !existing.(models.FileInfo).IsDir {
				return helper.ErrFileExists
			}
			continue
		}
		id, err := ns.nextEntryID()
		if err != nil {
			return err
		}
		if err := ns.putEntry(models.FileInfo{
			EntryID: id,
			Name:    dir,
			IsDir:   true,
			CTime:   time.Now().Unix(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateFile inserts a fresh file entry, creating parent directories on the
// way down.
func (ns *Namespace) CreateFile(path string, flags int32, mode uint32) int {
	if !helper.IsAbsPath(path) {
		return helper.StatusFailed
	}
	path = helper.NormalizePath(path)
	if path == "/" {
		return helper.StatusFailed
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.tree.Get(path); ok {
		log.Warnf("create file %s: already exists", path)
		return helper.StatusFailed
	}
	if err := ns.mkdirParents(path); err != nil {
		log.Errorf("create file %s: %v", path, err)
		return helper.StatusFailed
	}
	id, err := ns.nextEntryID()
	if err != nil {
		log.Errorf("create file %s: %v", path, err)
		return helper.StatusFailed
	}
	info := models.FileInfo{
		EntryID:  id,
		Name:     path,
		Mode:     mode,
		Replicas: helper.DefaultReplicaNum,
		CTime:    time.Now().Unix(),
	}
	if err := ns.putEntry(info); err != nil {
		log.Errorf("create file %s: %v", path, err)
		return helper.StatusFailed
	}
	return helper.StatusOK
}

// GetFileInfo looks up one entry by path.
func (ns *Namespace) GetFileInfo(path string) (models.FileInfo, error) {
	path = helper.NormalizePath(path)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	v, ok := ns.tree.Get(path)
	if !ok {
		return models.FileInfo{}, helper.ErrFileNotFound
	}
	return v.(models.FileInfo), nil
}

// UpdateFileInfo rewrites an existing entry. The entry must still exist and
// carry the same entry id the caller read, otherwise the get/update collided
// with another mutation.
func (ns *Namespace) UpdateFileInfo(info models.FileInfo) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.tree.Get(info.Name)
	if !ok || v.(models.FileInfo).EntryID != info.EntryID {
		return helper.ErrFileNotFound
	}
	return ns.putEntry(info)
}

// Rename moves a file entry. When the target path already names a file, that
// file is replaced and its FileInfo returned so the caller can unlink its
// blocks.
func (ns *Namespace) Rename(oldPath, newPath string) (int, *models.FileInfo) {
	if !helper.IsAbsPath(oldPath) || !helper.IsAbsPath(newPath) {
		return helper.StatusFailed, nil
	}
	oldPath = helper.NormalizePath(oldPath)
	newPath = helper.NormalizePath(newPath)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.tree.Get(oldPath)
	if !ok {
		return helper.StatusNotFound, nil
	}
	info := v.(models.FileInfo)
	if info.IsDir {
		return helper.StatusFailed, nil
	}
	var removed *models.FileInfo
	if tv, ok := ns.tree.Get(newPath); ok {
		target := tv.(models.FileInfo)
		if target.IsDir {
			return helper.StatusFailed, nil
		}
		removed = &target
	}
	if err := ns.mkdirParents(newPath); err != nil {
		log.Errorf("rename %s -> %s: %v", oldPath, newPath, err)
		return helper.StatusFailed, nil
	}
	info.Name = newPath
	if err := ns.putEntry(info); err != nil {
		log.Errorf("rename %s -> %s: %v", oldPath, newPath, err)
		return helper.StatusFailed, nil
	}
	if err := ns.delEntry(oldPath); err != nil {
		log.Errorf("rename %s -> %s: %v", oldPath, newPath, err)
		return helper.StatusFailed, nil
	}
	return helper.StatusOK, removed
}

// RemoveFile unlinks one file and returns its FileInfo for block cleanup.
func (ns *Namespace) RemoveFile(path string) (models.FileInfo, int) {
	path = helper.NormalizePath(path)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.tree.Get(path)
	if !ok {
		return models.FileInfo{}, helper.StatusNotFound
	}
	info := v.(models.FileInfo)
	if info.IsDir {
		return models.FileInfo{}, helper.StatusFailed
	}
	if err := ns.delEntry(path); err != nil {
		log.Errorf("unlink %s: %v", path, err)
		return models.FileInfo{}, helper.StatusFailed
	}
	return info, helper.StatusOK
}

// DeleteDirectory removes a directory entry. With recursive set, everything
// below it goes too; the removed files are returned for block cleanup.
func (ns *Namespace) DeleteDirectory(path string, recursive bool) ([]models.FileInfo, int) {
	path = helper.NormalizePath(path)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.tree.Get(path)
	if !ok {
		return nil, helper.StatusNotFound
	}
	if !v.(models.FileInfo).IsDir {
		return nil, helper.StatusFailed
	}
	prefix := path + "/"
	var children []models.FileInfo
	it := ns.tree.Iterator()
	for it.Next() {
		name := it.Key().(string)
		if strings.HasPrefix(name, prefix) {
			children = append(children, it.Value().(models.FileInfo))
		}
	}
	if len(children) > 0 && !recursive {
		return nil, helper.StatusFailed
	}
	var removedFiles []models.FileInfo
	for _, child := range children {
		if err := ns.delEntry(child.Name); err != nil {
			log.Errorf("delete directory %s: %v", path, err)
			return removedFiles, helper.StatusFailed
		}
		if !child.IsDir {
			removedFiles = append(removedFiles, child)
		}
	}
	if err := ns.delEntry(path); err != nil {
		log.Errorf("delete directory %s: %v", path, err)
		return removedFiles, helper.StatusFailed
	}
	return removedFiles, helper.StatusOK
}

// ListDirectory returns the direct children of a directory.
func (ns *Namespace) ListDirectory(path string) ([]models.FileInfo, int) {
	path = helper.NormalizePath(path)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if path != "/" {
		v, ok := ns.tree.Get(path)
		if !ok {
			return nil, helper.StatusNotFound
		}
		if !v.(models.FileInfo).IsDir {
			return nil, helper.StatusFailed
		}
	}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	var files []models.FileInfo
	it := ns.tree.Iterator()
	for it.Next() {
		name := it.Key().(string)
		if !strings.HasPrefix(name, prefix) || name == path {
			continue
		}
		if strings.ContainsRune(name[len(prefix):], '/') {
			continue // not a direct child
		}
		files = append(files, it.Value().(models.FileInfo))
	}
	return files, helper.StatusOK
}

// FileIter yields every file entry of the namespace, one at a time. The
// recovery loader consumes it to rebuild the block index.
type FileIter struct {
	files []models.FileInfo
	pos   int
}

// Next returns the next file record, or ok=false when the walk is done.
func (fi *FileIter) Next() (models.FileInfo, bool) {
	if fi.pos >= len(fi.files) {
		return models.FileInfo{}, false
	}
	info := fi.files[fi.pos]
	fi.pos++
	return info, true
}

// WalkFiles returns an iterator over the namespace's files (directories are
// skipped). The iterator sees a consistent snapshot of the tree.
func (ns *Namespace) WalkFiles() *FileIter {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	iter := &FileIter{}
	it := ns.tree.Iterator()
	for it.Next() {
		info := it.Value().(models.FileInfo)
		if !info.IsDir {
			iter.files = append(iter.files, info)
		}
	}
	return iter
}
