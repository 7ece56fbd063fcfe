// Package badgerstore implements store.Client over an embedded
// github.com/dgraph-io/badger/v4 key-value engine: paths are serialized to
// byte keys by joining "/"-separated segments, and the refresh/watch
// glob-callback registry the state publisher depends on is maintained as an
// in-process layer on top of badger's transactions.
package badgerstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
	"github.com/alliedtelesis/apteryx-netconf/store"
)

// Store is the concrete store.Client implementation.
type Store struct {
	db *badger.DB

	mu       sync.Mutex
	watches  []watchReg
	cancels  []context.CancelFunc
	refreshW sync.WaitGroup
}

type watchReg struct {
	glob string
	cb   store.WatchFunc
}

// Open opens (or creates) a badger database at dir. An empty dir opens an
// in-memory database, used by tests and by any deployment that does not
// need persistence across restarts.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening datastore")
	}
	return &Store{db: db}, nil
}

// Close stops all refresh goroutines and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	cancels := s.cancels
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.refreshW.Wait()
	return s.db.Close()
}

func key(path string) []byte { return []byte(path) }

// Get implements store.Client.
func (s *Store) Get(path string) (string, bool, error) {
	var value string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	return value, found, err
}

// Set implements store.Client.
func (s *Store) Set(path, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(path), []byte(value))
	})
	if err != nil {
		return err
	}
	s.fireWatches(path, value)
	return nil
}

// Prune implements store.Client.
func (s *Store) Prune(path string) error {
	prefix := key(path)
	below := []byte(strings.TrimSuffix(path, "/") + "/")
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var toDelete [][]byte
		for it.Seek(below); it.ValidForPrefix(below); it.Next() {
			k := it.Item().KeyCopy(nil)
			toDelete = append(toDelete, k)
		}
		if err := txn.Delete(prefix); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.fireWatches(path, "")
	return nil
}

// Search implements store.Client: immediate child keys one level below
// prefix.
func (s *Store) Search(prefix string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	scanPrefix := []byte(strings.TrimSuffix(prefix, "/") + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			rest := string(it.Item().Key())[len(scanPrefix):]
			seg := rest
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				seg = rest[:idx]
			}
			if seg != "" && !seen[seg] {
				seen[seg] = true
				out = append(out, seg)
			}
		}
		return nil
	})
	return out, err
}

// GetTree implements store.Client: the full subtree rooted at path.
func (s *Store) GetTree(path string) (*ptree.Tree, error) {
	tree := ptree.New("")
	scanPrefix := []byte(strings.TrimSuffix(path, "/") + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			item := it.Item()
			rest := string(item.Key())[len(scanPrefix):]
			segs := strings.Split(rest, "/")
			var val string
			if err := item.Value(func(v []byte) error { val = string(v); return nil }); err != nil {
				return err
			}
			insertPath(tree, tree.Root(), segs, val)
		}
		return nil
	})
	return tree, err
}

func insertPath(tree *ptree.Tree, parent int, segs []string, val string) {
	idx := tree.EnsureChild(parent, segs[0])
	if len(segs) == 1 {
		tree.Node(idx).HasValue = true
		tree.Node(idx).Value = val
		return
	}
	insertPath(tree, idx, segs[1:], val)
}

// Query implements store.Client: only nodes the query tree names, omitting
// absent leaves and empty containers.
func (s *Store) Query(q *ptree.Tree) (*ptree.Tree, error) {
	return s.execute(q, false)
}

// QueryFull implements store.Client: every node in the requested shape,
// including empty containers.
func (s *Store) QueryFull(q *ptree.Tree) (*ptree.Tree, error) {
	return s.execute(q, true)
}

func (s *Store) execute(q *ptree.Tree, full bool) (*ptree.Tree, error) {
	result := ptree.New("")
	err := s.db.View(func(txn *badger.Txn) error {
		return s.executeChildren(txn, q, q.Root(), "", result, result.Root(), full)
	})
	return result, err
}

func (s *Store) executeChildren(txn *badger.Txn, q *ptree.Tree, qIdx int, dsPath string, result *ptree.Tree, rIdx int, full bool) error {
	for _, qc := range q.Children(qIdx) {
		qn := q.Node(qc)
		if qn.Wildcard {
			if err := s.executeWildcard(txn, q, qc, dsPath, result, rIdx, full); err != nil {
				return err
			}
			continue
		}
		childPath := dsPath + "/" + qn.Name
		if q.IsLeaf(qc) {
			val, ok, err := s.getTxn(txn, childPath)
			if err != nil {
				return err
			}
			if !ok && !full {
				continue
			}
			rc := result.AddChild(rIdx, qn.Name)
			if ok {
				result.Node(rc).HasValue = true
				result.Node(rc).Value = val
			}
			continue
		}
		rc := result.AddChild(rIdx, qn.Name)
		if err := s.executeChildren(txn, q, qc, childPath, result, rc, full); err != nil {
			return err
		}
		if !full && len(result.Children(rc)) == 0 {
			// drop empty containers from non-full (plain) query results
			result.RemoveChild(rIdx, rc)
		}
	}
	return nil
}

// executeWildcard expands a single wildcard query node against every actual
// child present under dsPath, applying the wildcard node's own query
// children (if any) to each; a childless wildcard means "dump the whole
// subtree here verbatim".
func (s *Store) executeWildcard(txn *badger.Txn, q *ptree.Tree, qIdx int, dsPath string, result *ptree.Tree, rIdx int, full bool) error {
	children, err := s.searchTxn(txn, dsPath)
	if err != nil {
		return err
	}
	if q.IsLeaf(qIdx) {
		for _, name := range children {
			val, ok, err := s.getTxn(txn, dsPath+"/"+name)
			if err != nil {
				return err
			}
			rc := result.AddChild(rIdx, name)
			if ok {
				result.Node(rc).HasValue = true
				result.Node(rc).Value = val
			}
			if err := s.executeWildcard(txn, q, qIdx, dsPath+"/"+name, result, rc, full); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range children {
		rc := result.AddChild(rIdx, name)
		if err := s.executeChildren(txn, q, qIdx, dsPath+"/"+name, result, rc, full); err != nil {
			return err
		}
		if !full && len(result.Children(rc)) == 0 {
			result.RemoveChild(rIdx, rc)
		}
	}
	return nil
}

func (s *Store) getTxn(txn *badger.Txn, path string) (string, bool, error) {
	item, err := txn.Get(key(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var val string
	err = item.Value(func(v []byte) error { val = string(v); return nil })
	return val, true, err
}

func (s *Store) searchTxn(txn *badger.Txn, prefix string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	scanPrefix := []byte(strings.TrimSuffix(prefix, "/") + "/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
		rest := string(it.Item().Key())[len(scanPrefix):]
		seg := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			seg = rest[:idx]
		}
		if seg != "" && !seen[seg] {
			seen[seg] = true
			out = append(out, seg)
		}
	}
	return out, nil
}

// SetTree implements store.Client: writes every valued leaf in tree.
func (s *Store) SetTree(tree *ptree.Tree) error {
	var writes []struct{ path, value string }
	var walk func(idx int, path string)
	walk = func(idx int, path string) {
		n := tree.Node(idx)
		p := path
		if idx != tree.Root() {
			p = path + "/" + n.Name
		}
		if n.HasValue {
			writes = append(writes, struct{ path, value string }{p, n.Value})
		}
		for _, c := range tree.Children(idx) {
			walk(c, p)
		}
	}
	walk(tree.Root(), "")

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if err := txn.Set(key(w.path), []byte(w.value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, w := range writes {
		s.fireWatches(w.path, w.value)
	}
	return nil
}

// Refresh implements store.Client: cb is invoked immediately and then again
// every interval it returns, until Close.
func (s *Store) Refresh(glob string, cb store.RefreshFunc) {
	s.refreshW.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	go func() {
		defer s.refreshW.Done()
		for {
			interval := cb(glob)
			if interval <= 0 {
				interval = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// Watch implements store.Client.
func (s *Store) Watch(glob string, cb store.WatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches = append(s.watches, watchReg{glob: glob, cb: cb})
}

func (s *Store) fireWatches(path, value string) {
	s.mu.Lock()
	watches := append([]watchReg(nil), s.watches...)
	s.mu.Unlock()
	for _, w := range watches {
		if globMatch(w.glob, path) {
			w.cb(path, value)
		}
	}
}

// globMatch matches a "*"-wildcarded, "/"-separated glob against path,
// segment by segment; a trailing "*" segment also matches any number of
// additional trailing segments, so a watch on ".../session/*" fires for
// ".../session/3/status" as well as ".../session/3".
func globMatch(glob, path string) bool {
	gs := strings.Split(strings.Trim(glob, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	for i, g := range gs {
		if i >= len(ps) {
			return false
		}
		if g == "*" && i == len(gs)-1 {
			return true
		}
		if g != "*" && g != ps[i] {
			return false
		}
	}
	return len(gs) == len(ps)
}
