// Package query implements the get/get-config pipeline: translating
// client filters into datastore query trees, executing them, applying
// with-defaults post-processing, and serializing the result back to XML.
package query

import (
	"strings"

	"github.com/alliedtelesis/apteryx-netconf/internal/ncerr"
	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
	"github.com/alliedtelesis/apteryx-netconf/schema"
	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store"
)

// Auditor records an audited event; implementations decide for themselves
// whether the corresponding logging-flag bit is set (query/edit never gate
// on the bitset directly, they just report).
type Auditor interface {
	Audit(event, detail string)
}

// Engine is the get/get-config pipeline.
type Engine struct {
	Schema   schema.Adapter
	Store    store.Client
	Sessions *session.Manager
	Audit    Auditor
}

func (e *Engine) audit(event, detail string) {
	if e.Audit != nil {
		e.Audit(event, detail)
	}
}

// Handle services one <get> or <get-config> RPC and returns the serialized
// contents of the reply's <data> element, or a tagged failure.
func (e *Engine) Handle(rpcOp *schema.Elem, sess *session.Session, configOnly bool) ([]byte, *ncerr.Error) {
	result, err := e.handle(rpcOp, sess, configOnly)
	if err != nil {
		e.Sessions.NoteInBadRPC(sess)
		return nil, err
	}
	e.Sessions.NoteInRPC(sess)
	return result, nil
}

func (e *Engine) handle(rpcOp *schema.Elem, sess *session.Session, configOnly bool) ([]byte, *ncerr.Error) {
	if configOnly && e.Sessions.LockHeldByOther(sess) {
		return nil, ncerr.InUse(e.Sessions.LockOwner())
	}

	if configOnly {
		if err := validateSource(rpcOp); err != nil {
			return nil, err
		}
	}

	withDefaults, err := parseWithDefaults(rpcOp)
	if err != nil {
		return nil, err
	}

	filters := childrenNamed(rpcOp, "filter")
	event := "get"
	if configOnly {
		event = "get-config"
	}

	if len(filters) == 0 {
		return e.fullDump(withDefaults, event)
	}

	var out []byte
	for _, filter := range filters {
		frag, ferr := e.handleFilter(filter, withDefaults, event)
		if ferr != nil {
			return nil, ferr
		}
		out = append(out, frag...)
	}
	return out, nil
}

// fullDump implements "an empty filter set returns the full tree by
// enumerating the datastore root and concatenating its subtrees."
func (e *Engine) fullDump(withDefaults schema.WithDefaultsMode, event string) ([]byte, *ncerr.Error) {
	top, err := e.Store.GetTree("")
	if err != nil {
		return nil, ncerr.OperationFailed("NETCONF: datastore read failed: %v", err)
	}
	applyWithDefaults(e.Schema, top, top.Root(), withDefaults)
	var out []byte
	for _, c := range top.Children(top.Root()) {
		frag, xerr := e.Schema.TreeToXML(top, c)
		if xerr != nil {
			return nil, ncerr.OperationFailed("NETCONF: serialization failed: %v", xerr)
		}
		out = append(out, frag...)
	}
	e.audit(event, "/")
	return out, nil
}

// handleFilter dispatches one <filter> element to the subtree or XPath
// translation path and executes every alternative it yields.
func (e *Engine) handleFilter(filter *schema.Elem, withDefaults schema.WithDefaultsMode, event string) ([]byte, *ncerr.Error) {
	filterType := filter.Attr("type")
	if filterType == "" {
		filterType = "subtree"
	}

	switch filterType {
	case "subtree":
		return e.handleSubtreeFilter(filter, withDefaults, event)
	case "xpath":
		return e.handleXPathFilter(filter, withDefaults, event)
	default:
		return nil, ncerr.OperationNotSupported("NETCONF: unsupported filter type %q", filterType)
	}
}

func (e *Engine) handleSubtreeFilter(filter *schema.Elem, withDefaults schema.WithDefaultsMode, event string) ([]byte, *ncerr.Error) {
	var out []byte
	for _, child := range filter.Children {
		qtree, terr := e.Schema.SubtreeToQueryTree(child, true)
		if terr != nil {
			return nil, translateErr(terr)
		}
		if rerr := e.checkReadable(qtree, qtree.Root()); rerr != nil {
			return nil, rerr
		}
		result, serr := e.Store.QueryFull(qtree)
		if serr != nil {
			return nil, ncerr.OperationFailed("NETCONF: datastore read failed: %v", serr)
		}
		carrySchemaPaths(qtree, result)
		applyWithDefaults(e.Schema, result, result.Root(), withDefaults)
		for _, c := range result.Children(result.Root()) {
			frag, xerr := e.Schema.TreeToXML(result, c)
			if xerr != nil {
				return nil, ncerr.OperationFailed("NETCONF: serialization failed: %v", xerr)
			}
			out = append(out, frag...)
		}
		e.audit(event, qtree.Path(firstChild(qtree)))
	}
	return out, nil
}

func (e *Engine) handleXPathFilter(filter *schema.Elem, withDefaults schema.WithDefaultsMode, event string) ([]byte, *ncerr.Error) {
	selectAttr := filter.Attr("select")
	if selectAttr == "" {
		return nil, ncerr.MissingAttribute("filter", "select")
	}

	var out []byte
	for _, alt := range strings.Split(selectAttr, "|") {
		alt = strings.TrimSpace(alt)
		alt = strings.TrimPrefix(alt, "child::")

		mode, qtree, terr := e.Schema.ClassifyXPath(alt)
		if terr != nil {
			return nil, translateErr(terr)
		}

		switch mode {
		case schema.ModeSimple:
			if rerr := e.checkReadable(qtree, qtree.Root()); rerr != nil {
				return nil, rerr
			}
			result, serr := e.Store.Query(qtree)
			if serr != nil {
				return nil, ncerr.OperationFailed("NETCONF: datastore read failed: %v", serr)
			}
			carrySchemaPaths(qtree, result)
			applyWithDefaults(e.Schema, result, result.Root(), withDefaults)
			for _, c := range result.Children(result.Root()) {
				frag, xerr := e.Schema.TreeToXML(result, c)
				if xerr != nil {
					return nil, ncerr.OperationFailed("NETCONF: serialization failed: %v", xerr)
				}
				out = append(out, frag...)
			}
		case schema.ModeEvaluate:
			frag, eerr := e.evaluate(alt, withDefaults)
			if eerr != nil {
				return nil, eerr
			}
			out = append(out, frag...)
		case schema.ModeError:
			return nil, ncerr.MalformedMessage("NETCONF: unsupported XPath select %q", alt)
		}
		e.audit(event, alt)
	}
	return out, nil
}

// evaluate implements the XPath EVALUATE pipeline: fetch the whole
// running tree, mark every node the expression selects plus its ancestors
// and descendants, then sweep everything else away.
func (e *Engine) evaluate(alt string, withDefaults schema.WithDefaultsMode) ([]byte, *ncerr.Error) {
	data, err := e.Store.GetTree("")
	if err != nil {
		return nil, ncerr.OperationFailed("NETCONF: datastore read failed: %v", err)
	}
	if eerr := e.Schema.EvaluateXPath(data, data.Root(), alt, nil); eerr != nil {
		return nil, translateErr(eerr)
	}
	data.Node(data.Root()).Marked = true
	data.SweepUnmarked(data.Root())
	data.SweepEmptyNonLeaves(data.Root())

	applyWithDefaults(e.Schema, data, data.Root(), withDefaults)

	var out []byte
	for _, c := range data.Children(data.Root()) {
		frag, xerr := e.Schema.TreeToXML(data, c)
		if xerr != nil {
			return nil, ncerr.OperationFailed("NETCONF: serialization failed: %v", xerr)
		}
		out = append(out, frag...)
	}
	return out, nil
}

// checkReadable implements translation-policy item 4: any non-wildcard leaf
// the query tree names must be schema-readable.
func (e *Engine) checkReadable(tree *ptree.Tree, idx int) *ncerr.Error {
	if tree.IsLeaf(idx) && idx != tree.Root() && !tree.Node(idx).Wildcard {
		path := tree.Node(idx).SchemaPath
		if path != "" && !e.Schema.IsReadable(path) {
			return ncerr.OperationNotSupportedApp("NETCONF: Path %q not readable", path)
		}
	}
	for _, c := range tree.Children(idx) {
		if err := e.checkReadable(tree, c); err != nil {
			return err
		}
	}
	return nil
}

// carrySchemaPaths copies each query node's SchemaPath onto the
// correspondingly-positioned result node, so with-defaults post-processing
// (which is schema-path driven) works over the store's result tree. Result
// shape always mirrors the query tree one-for-one except for wildcard
// expansion, which fans a single query node into several result nodes that
// all share its SchemaPath.
func carrySchemaPaths(q, result *ptree.Tree) {
	var walk func(qIdx, rIdx int)
	walk = func(qIdx, rIdx int) {
		result.Node(rIdx).SchemaPath = q.Node(qIdx).SchemaPath
		qChildren := q.Children(qIdx)
		if len(qChildren) == 0 {
			return
		}
		if len(qChildren) == 1 && q.Node(qChildren[0]).Wildcard {
			for _, rc := range result.Children(rIdx) {
				walk(qChildren[0], rc)
			}
			return
		}
		for _, qc := range qChildren {
			if rc := result.ChildByName(rIdx, q.Node(qc).Name); rc >= 0 {
				walk(qc, rc)
			}
		}
	}
	walk(q.Root(), result.Root())
}

func applyWithDefaults(adapter schema.Adapter, tree *ptree.Tree, idx int, mode schema.WithDefaultsMode) {
	switch mode {
	case schema.WithDefaultsReportAll:
		adapter.AddDefaults(tree, idx)
	case schema.WithDefaultsTrim:
		adapter.TrimDefaults(tree, idx)
	}
}

func validateSource(rpcOp *schema.Elem) *ncerr.Error {
	source := childNamed(rpcOp, "source")
	if source == nil || len(source.Children) != 1 || source.Children[0].Name != "running" {
		return ncerr.OperationNotSupported("NETCONF: only the running source is supported")
	}
	return nil
}

func parseWithDefaults(rpcOp *schema.Elem) (schema.WithDefaultsMode, *ncerr.Error) {
	wd := childNamed(rpcOp, "with-defaults")
	if wd == nil {
		return schema.WithDefaultsExplicit, nil
	}
	switch schema.WithDefaultsMode(wd.CharData) {
	case schema.WithDefaultsReportAll, schema.WithDefaultsTrim, schema.WithDefaultsExplicit:
		return schema.WithDefaultsMode(wd.CharData), nil
	default:
		return "", ncerr.OperationNotSupported("NETCONF: unsupported with-defaults mode %q", wd.CharData)
	}
}

func childrenNamed(elem *schema.Elem, name string) []*schema.Elem {
	var out []*schema.Elem
	for _, c := range elem.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func childNamed(elem *schema.Elem, name string) *schema.Elem {
	for _, c := range elem.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func firstChild(tree *ptree.Tree) int {
	children := tree.Children(tree.Root())
	if len(children) == 0 {
		return tree.Root()
	}
	return children[0]
}

// tagged is the narrow structural interface schema/yangschema's
// TranslateError satisfies: this package matches on it instead of importing
// schema/yangschema directly, which would invert the intended dependency
// direction (concrete adapters depend on the schema facade, not vice versa).
type tagged interface {
	TagString() string
}

// translateErr maps a schema translation failure onto an ncerr.Error via the
// tagged structural interface above.
func translateErr(err error) *ncerr.Error {
	t, ok := err.(tagged)
	if !ok {
		return ncerr.OperationFailed("NETCONF: %v", err)
	}
	return ncerr.FromSchemaTag(t.TagString(), err.Error())
}
