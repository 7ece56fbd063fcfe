// Package store declares the facade this server uses over the external
// hierarchical key-value datastore: path-addressed get/set/prune, tree
// queries, and the refresh/watch glob-callback registrations the state
// publisher depends on. store/badgerstore supplies the concrete
// implementation; the core depends only on the Client interface.
package store

import (
	"time"

	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
)

// RefreshFunc regenerates the subtree at path and returns the interval
// after which it should be invoked again.
type RefreshFunc func(path string) time.Duration

// WatchFunc observes a write to path.
type WatchFunc func(path, value string)

// Client is the datastore facade the session, query, edit and publish
// packages depend on.
type Client interface {
	// Search returns the immediate child keys below prefix.
	Search(prefix string) ([]string, error)
	// Get returns the scalar value at path, or ok=false if absent.
	Get(path string) (value string, ok bool, err error)
	// GetTree returns the full subtree rooted at path.
	GetTree(path string) (*ptree.Tree, error)
	// Query executes a query tree and returns only the nodes it names.
	Query(tree *ptree.Tree) (*ptree.Tree, error)
	// QueryFull executes a query tree and returns every node in the
	// requested shape, including empty containers.
	QueryFull(tree *ptree.Tree) (*ptree.Tree, error)
	// Set writes a scalar value at path, creating intermediate containers.
	Set(path, value string) error
	// SetTree writes every valued leaf in tree.
	SetTree(tree *ptree.Tree) error
	// Prune removes path and everything below it.
	Prune(path string) error

	// Refresh registers cb to regenerate the subtree(s) matching glob
	// (a "*"-wildcarded path) on its own returned interval, starting
	// immediately.
	Refresh(glob string, cb RefreshFunc)
	// Watch registers cb to be invoked, synchronously and in registration
	// order, whenever a write touches a path matching glob.
	Watch(glob string, cb WatchFunc)
}
