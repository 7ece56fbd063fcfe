// Package edit implements the edit-config pipeline: translating a
// client <config> tree into typed datastore mutations, pre-flight existence
// checks, and the create/delete/remove/replace/merge execution order.
package edit

import (
	"strings"

	"github.com/alliedtelesis/apteryx-netconf/internal/ncerr"
	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
	"github.com/alliedtelesis/apteryx-netconf/schema"
	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store"
)

// Auditor records an audited event; see query.Auditor for the same contract.
type Auditor interface {
	Audit(event, detail string)
}

// Engine is the edit-config pipeline.
type Engine struct {
	Schema   schema.Adapter
	Store    store.Client
	Sessions *session.Manager
	Audit    Auditor
}

func (e *Engine) audit(kind, path string) {
	if e.Audit != nil {
		e.Audit("edit-config", kind+" "+path)
	}
}

// tagged is the same structural interface query.go matches a schema
// translation failure against.
type tagged interface {
	TagString() string
}

// Handle services one <edit-config> RPC. Returns nil on success (the
// dispatcher replies <ok/>); on failure, the returned Error is reported and
// no further effect is guaranteed beyond what had already committed.
func (e *Engine) Handle(rpcOp *schema.Elem, sess *session.Session) *ncerr.Error {
	if err := validateTarget(rpcOp); err != nil {
		return err
	}
	config := childNamed(rpcOp, "config")
	if config == nil {
		return ncerr.MissingElement("config")
	}

	defaultOp, err := parseDefaultOperation(rpcOp)
	if err != nil {
		return err
	}

	if e.Sessions.LockHeldByOther(sess) {
		return ncerr.InUse(e.Sessions.LockOwner())
	}

	// Each top-level <config> child is translated and applied independently,
	// the same granularity the subtree filter translator uses for <filter>
	// children: every child gets its own mutation tree, its own pre-flight
	// pass and its own execution order (no cross-child ordering guarantee
	// beyond "deletes/removes/replaces before creates/merges").
	for _, child := range config.Children {
		result, terr := e.Schema.ConfigToMutation(child, defaultOp)
		if terr != nil {
			nerr := translateErr(terr)
			if nerr.Type == ncerr.TypeRPC {
				e.Sessions.NoteInBadRPC(sess)
			}
			return nerr
		}

		if err := e.preflight(result); err != nil {
			return err
		}
		if err := e.execute(result); err != nil {
			return err
		}
		e.auditAll(result)
	}

	e.Sessions.NoteInRPC(sess)
	return nil
}

// preflight implements the existence checks that run before any mutation:
// every delete target must already exist, every create target must not.
// The first failure found is reported; failures do not accumulate.
func (e *Engine) preflight(result *schema.EditResult) *ncerr.Error {
	for _, path := range result.Deletes {
		exists, err := e.existsAtOrBelow(path)
		if err != nil {
			return ncerr.OperationFailed("NETCONF: datastore read failed: %v", err)
		}
		if !exists {
			return ncerr.DataMissing()
		}
	}
	for _, path := range result.Creates {
		exists, err := e.existsAtOrBelow(path)
		if err != nil {
			return ncerr.OperationFailed("NETCONF: datastore read failed: %v", err)
		}
		if exists {
			return ncerr.DataExists()
		}
	}
	return nil
}

// execute runs the prune/re-verify/condition/set-tree steps in order.
func (e *Engine) execute(result *schema.EditResult) *ncerr.Error {
	for _, path := range result.Deletes {
		if err := e.Store.Prune(path); err != nil {
			return ncerr.OperationFailed("NETCONF: prune failed: %v", err)
		}
	}
	for _, path := range result.Removes {
		if err := e.Store.Prune(path); err != nil {
			return ncerr.OperationFailed("NETCONF: prune failed: %v", err)
		}
	}
	for _, path := range result.Replaces {
		if err := e.Store.Prune(path); err != nil {
			return ncerr.OperationFailed("NETCONF: prune failed: %v", err)
		}
	}

	for _, path := range result.Creates {
		exists, err := e.existsAtOrBelow(path)
		if err != nil {
			return ncerr.OperationFailed("NETCONF: datastore read failed: %v", err)
		}
		if exists {
			return ncerr.DataExists()
		}
	}

	for _, cond := range result.Conditions {
		ok, err := e.Schema.EvaluateCondition(result.Tree, cond)
		if err != nil {
			return translateErr(err)
		}
		if !ok {
			return ncerr.InvalidValue("NETCONF: condition %q not satisfied for %q", cond.Expr, cond.Path)
		}
	}

	// The translated mutation tree carries every element the <config> body
	// named, including the key leaves of delete/remove instances - strip
	// those subtrees out before writing, or SetTree would resurrect data
	// the prune pass above just removed.
	for _, path := range result.Deletes {
		removeTreePath(result.Tree, path)
	}
	for _, path := range result.Removes {
		removeTreePath(result.Tree, path)
	}

	if result.NeedTreeSet && result.Tree.Len() > 1 {
		if err := e.Store.SetTree(result.Tree); err != nil {
			return ncerr.OperationFailed("NETCONF: set-tree failed: %v", err)
		}
	}
	return nil
}

// removeTreePath drops the node addressed by the slash-separated path (as
// produced by ptree.Tree.Path) from tree, if present.
func removeTreePath(tree *ptree.Tree, path string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	parent := tree.Root()
	for i, seg := range segments {
		idx := tree.ChildByName(parent, seg)
		if idx < 0 {
			return
		}
		if i == len(segments)-1 {
			tree.RemoveChild(parent, idx)
			return
		}
		parent = idx
	}
}

func (e *Engine) auditAll(result *schema.EditResult) {
	for _, p := range result.Creates {
		e.audit("create", p)
	}
	for _, p := range result.Deletes {
		e.audit("delete", p)
	}
	for _, p := range result.Removes {
		e.audit("remove", p)
	}
	for _, p := range result.Replaces {
		e.audit("replace", p)
	}
	for _, p := range result.Merges {
		e.audit("merge", p)
	}
}

// existsAtOrBelow reports whether the datastore holds data at path itself or
// anywhere below it.
func (e *Engine) existsAtOrBelow(path string) (bool, error) {
	if _, ok, err := e.Store.Get(path); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	children, err := e.Store.Search(path)
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

func validateTarget(rpcOp *schema.Elem) *ncerr.Error {
	target := childNamed(rpcOp, "target")
	if target == nil || len(target.Children) != 1 || target.Children[0].Name != "running" {
		return ncerr.OperationNotSupported("NETCONF: only the running target is supported")
	}
	return nil
}

func parseDefaultOperation(rpcOp *schema.Elem) (schema.Operation, *ncerr.Error) {
	elem := childNamed(rpcOp, "default-operation")
	if elem == nil {
		return schema.OpMerge, nil
	}
	switch schema.Operation(elem.CharData) {
	case schema.OpMerge, schema.OpReplace, schema.OpNone:
		return schema.Operation(elem.CharData), nil
	default:
		return "", ncerr.InvalidValue("NETCONF: unsupported default-operation %q", elem.CharData)
	}
}

func childNamed(elem *schema.Elem, name string) *schema.Elem {
	for _, c := range elem.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func translateErr(err error) *ncerr.Error {
	t, ok := err.(tagged)
	if !ok {
		return ncerr.OperationFailed("NETCONF: %v", err)
	}
	return ncerr.FromSchemaTag(t.TagString(), err.Error())
}
