// Package yangschema loads a YAML-encoded rendering of a YANG-derived model
// and implements schema.Adapter over it. It is the concrete collaborator
// cmd/netconfd wires in; the core (query, edit) never imports this package,
// only schema.Adapter.
package yangschema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
	"github.com/alliedtelesis/apteryx-netconf/schema"
)

// Kind is a schema node's structural classification.
type Kind string

const (
	KindContainer Kind = "container"
	KindList      Kind = "list"
	KindLeaf      Kind = "leaf"
	KindLeafList  Kind = "leaf-list"
)

// Node is one entry in the loaded schema tree.
type Node struct {
	Name      string
	Namespace string
	Kind      Kind
	Key       []string
	Readable  bool
	Default   string
	Children  []*Node
}

func (n *Node) childNamed(namespace, name string) *Node {
	for _, c := range n.Children {
		if c.Name == name && (namespace == "" || c.Namespace == "" || c.Namespace == namespace) {
			return c
		}
	}
	return nil
}

// TranslateError carries a wire error tag directly (its Tag field is
// already spelled like the NETCONF error-tag string, e.g. "unknown-element"),
// so callers in query/edit construct the final ncerr.Error without this
// package needing to depend on the error-taxonomy package.
type TranslateError struct {
	Tag       string
	Namespace string
	Element   string
	Attribute string
	Path      string
	Msg       string
}

func (e *TranslateError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Element)
}

// TagString exposes Tag to callers (query, edit) that match on it through a
// narrow structural interface rather than importing this package directly.
func (e *TranslateError) TagString() string { return e.Tag }

// yaml document shapes ------------------------------------------------------

type yamlModule struct {
	Name       string      `yaml:"name"`
	Namespace  string      `yaml:"namespace"`
	Revision   string      `yaml:"revision"`
	Features   []string    `yaml:"features,omitempty"`
	Deviations []string    `yaml:"deviations,omitempty"`
	Nodes      []*yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	Name     string      `yaml:"name"`
	Kind     string      `yaml:"kind"`
	Key      []string    `yaml:"key,omitempty"`
	Readable *bool       `yaml:"readable,omitempty"`
	Default  string      `yaml:"default,omitempty"`
	Children []*yamlNode `yaml:"children,omitempty"`
}

// Schema is the concrete schema.Adapter implementation.
type Schema struct {
	modules []schema.Module
	root    *Node
	index   map[string]*Node
}

// Load reads every *.yaml/*.yml file in dir as one module document and
// builds the combined schema tree and path index.
func Load(dir string) (*Schema, error) {
	s := &Schema{root: &Node{Kind: KindContainer}, index: map[string]*Node{}}

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "globbing schema directory")
	}
	moreMatches, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, errors.Wrap(err, "globbing schema directory")
	}
	matches = append(matches, moreMatches...)
	sort.Strings(matches)

	for _, path := range matches {
		if err := s.loadFile(path); err != nil {
			return nil, errors.Wrapf(err, "loading schema file %s", path)
		}
	}
	s.buildIndex(s.root, "")
	return s, nil
}

func (s *Schema) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m yamlModule
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	s.modules = append(s.modules, schema.Module{
		Name: m.Name, Namespace: m.Namespace, Revision: m.Revision,
		Features: m.Features, Deviations: m.Deviations,
	})
	for _, yn := range m.Nodes {
		s.root.Children = append(s.root.Children, buildNode(yn, m.Namespace))
	}
	return nil
}

func buildNode(yn *yamlNode, namespace string) *Node {
	n := &Node{
		Name: yn.Name, Namespace: namespace, Kind: Kind(yn.Kind),
		Key: yn.Key, Default: yn.Default, Readable: yn.Readable == nil || *yn.Readable,
	}
	for _, c := range yn.Children {
		n.Children = append(n.Children, buildNode(c, namespace))
	}
	return n
}

func (s *Schema) buildIndex(n *Node, path string) {
	if path != "" {
		s.index[path] = n
	}
	for _, c := range n.Children {
		s.buildIndex(c, path+"/"+c.Name)
	}
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Adapter methods ------------------------------------------------------------

func (s *Schema) Modules() []schema.Module { return s.modules }

func (s *Schema) IsList(path string) bool {
	n, ok := s.index[path]
	return ok && n.Kind == KindList
}

func (s *Schema) IsLeaf(path string) bool {
	n, ok := s.index[path]
	return ok && (n.Kind == KindLeaf || n.Kind == KindLeafList)
}

func (s *Schema) IsReadable(path string) bool {
	n, ok := s.index[path]
	return ok && n.Readable
}

func (s *Schema) ParentIsList(path string) bool {
	return s.IsList(parentPath(path))
}

func (s *Schema) HasChildren(path string) bool {
	n, ok := s.index[path]
	return ok && len(n.Children) > 0
}

// SubtreeToQueryTree implements schema.Adapter.
func (s *Schema) SubtreeToQueryTree(elem *schema.Elem, stripKey bool) (*ptree.Tree, error) {
	tree := ptree.New("")
	if err := s.translateOne(tree, tree.Root(), "", s.root, elem, stripKey); err != nil {
		return nil, err
	}
	return tree, nil
}

// translateOne translates a single XML element into (possibly several)
// tree nodes rooted under parentIdx, whose schema context is parentSchema
// at parentPath.
func (s *Schema) translateOne(tree *ptree.Tree, parentIdx int, parentPath string, parentSchema *Node, el *schema.Elem, stripKey bool) error {
	child := parentSchema.childNamed(el.Namespace, el.Name)
	if child == nil {
		if el.Namespace != "" && !s.namespaceKnown(el.Namespace) {
			return &TranslateError{Tag: "unknown-namespace", Namespace: el.Namespace, Element: el.Name}
		}
		return &TranslateError{Tag: "unknown-element", Element: el.Name}
	}
	childPath := parentPath + "/" + child.Name

	if child.Kind == KindList && stripKey {
		return s.translateListFilter(tree, parentIdx, childPath, child, el)
	}

	idx := tree.AddChild(parentIdx, child.Name)
	tree.Node(idx).SchemaPath = childPath

	if len(el.Children) == 0 {
		if el.CharData != "" {
			tree.Node(idx).HasValue = true
			tree.Node(idx).Value = el.CharData
		} else if len(child.Children) > 0 {
			w := tree.AddChild(idx, "*")
			tree.Node(w).Wildcard = true
			tree.Node(w).SchemaPath = childPath
		}
		return nil
	}
	for _, c := range el.Children {
		if err := s.translateOne(tree, idx, childPath, child, c, stripKey); err != nil {
			return err
		}
	}
	return nil
}

// translateListFilter implements the "strip-key" rule: a list's key leaves
// given as values in the filter select one instance; everything else
// becomes a wildcard instance.
func (s *Schema) translateListFilter(tree *ptree.Tree, parentIdx int, listPath string, list *Node, el *schema.Elem) error {
	listIdx := tree.AddChild(parentIdx, list.Name)
	tree.Node(listIdx).SchemaPath = listPath

	keyValue := ""
	for _, key := range list.Key {
		for _, c := range el.Children {
			if c.Name == key && c.CharData != "" {
				keyValue = c.CharData
			}
		}
	}

	var instIdx int
	if keyValue != "" {
		instIdx = tree.AddChild(listIdx, keyValue)
	} else {
		instIdx = tree.AddChild(listIdx, "*")
		tree.Node(instIdx).Wildcard = true
	}
	tree.Node(instIdx).SchemaPath = listPath // instance is schema-transparent

	for _, c := range el.Children {
		if err := s.translateOne(tree, instIdx, listPath, list, c, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) namespaceKnown(ns string) bool {
	for _, m := range s.modules {
		if m.Namespace == ns {
			return true
		}
	}
	return false
}

// ClassifyXPath implements schema.Adapter. A SIMPLE alternative is a plain
// "/a/b[c='v']/d" path addressable directly as a query tree; anything using
// "//", wildcards mid-path, or a non-key-equality predicate is EVALUATE.
func (s *Schema) ClassifyXPath(alt string) (schema.FilterMode, *ptree.Tree, error) {
	if strings.Contains(alt, "//") || strings.ContainsAny(alt, "(){}") {
		return schema.ModeEvaluate, nil, nil
	}
	if !strings.HasPrefix(alt, "/") {
		return schema.ModeError, nil, &TranslateError{Tag: "malformed-message", Msg: "xpath select must be absolute"}
	}
	segments := strings.Split(strings.TrimPrefix(alt, "/"), "/")
	tree := ptree.New("")
	cur := tree.Root()
	curPath := ""
	curSchema := s.root
	for _, seg := range segments {
		name, predKey, predVal, hasPred, err := splitPredicate(seg)
		if err != nil {
			return schema.ModeError, nil, &TranslateError{Tag: "malformed-message", Msg: err.Error()}
		}
		if name == "*" {
			return schema.ModeEvaluate, nil, nil
		}
		if hasPred {
			child := curSchema.childNamed("", name)
			if child == nil || child.Kind != KindList || !isKeyOf(child, predKey) {
				// non-key predicate: fall back to EVALUATE semantics.
				return schema.ModeEvaluate, nil, nil
			}
		}
		child := curSchema.childNamed("", name)
		if child == nil {
			return schema.ModeError, nil, &TranslateError{Tag: "unknown-element", Element: name}
		}
		childPath := curPath + "/" + child.Name
		idx := tree.AddChild(cur, child.Name)
		tree.Node(idx).SchemaPath = childPath
		if child.Kind == KindList {
			instName := "*"
			wildcard := true
			if hasPred {
				instName = predVal
				wildcard = false
			}
			instIdx := tree.AddChild(idx, instName)
			tree.Node(instIdx).Wildcard = wildcard
			tree.Node(instIdx).SchemaPath = childPath
			cur, curPath, curSchema = instIdx, childPath, child
			continue
		}
		cur, curPath, curSchema = idx, childPath, child
	}
	return schema.ModeSimple, tree, nil
}

func isKeyOf(list *Node, key string) bool {
	for _, k := range list.Key {
		if k == key {
			return true
		}
	}
	return false
}

// splitPredicate parses "name" or "name[key='value']".
func splitPredicate(seg string) (name, predKey, predVal string, hasPred bool, err error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, "", "", false, nil
	}
	if !strings.HasSuffix(seg, "]") {
		return "", "", "", false, errors.New("unterminated predicate")
	}
	name = seg[:open]
	inner := seg[open+1 : len(seg)-1]
	parts := strings.SplitN(inner, "=", 2)
	if len(parts) != 2 {
		return "", "", "", false, errors.New("unsupported predicate form")
	}
	predKey = strings.TrimSpace(parts[0])
	predVal = strings.Trim(strings.TrimSpace(parts[1]), `'"`)
	return name, predKey, predVal, true, nil
}

// EvaluateXPath implements schema.Adapter's hand-rolled node-set evaluator:
// no XPath library exists in the retrieved pack, so alternatives that
// ClassifyXPath routed to EVALUATE are matched structurally against the
// already-fetched XML result tree. Supported step grammar: "/"-separated
// steps, "*" wildcard, "//" as a leading descendant-or-self marker, and a
// single trailing "[name='value']" predicate per step. A "[position()=N]"
// predicate is parsed but matches no node.
func (s *Schema) EvaluateXPath(tree *ptree.Tree, root int, alt string, elemOf map[int]*schema.Elem) error {
	descendant := strings.HasPrefix(alt, "//")
	alt = strings.TrimPrefix(alt, "//")
	alt = strings.TrimPrefix(alt, "/")
	steps := strings.Split(alt, "/")

	matches := []int{root}
	for i, step := range steps {
		name, predKey, predVal, hasPred, err := splitPredicate(step)
		if err != nil {
			return &TranslateError{Tag: "malformed-message", Msg: err.Error()}
		}
		var next []int
		for _, m := range matches {
			candidates := tree.Children(m)
			if descendant && i == 0 {
				candidates = tree.Descendants(m)
			}
			for _, c := range candidates {
				if name != "*" && tree.Node(c).Name != name {
					continue
				}
				if hasPred && !predicateMatches(tree, c, predKey, predVal) {
					continue
				}
				next = append(next, c)
			}
		}
		matches = next
	}
	for _, m := range matches {
		tree.MarkWithAncestorsAndDescendants(m)
	}
	return nil
}

func predicateMatches(tree *ptree.Tree, idx int, key, val string) bool {
	if key == "position()" {
		return false // position predicates are not supported; treated as non-matching rather than guessed
	}
	for _, c := range tree.Children(idx) {
		if tree.Node(c).Name == key && tree.Node(c).Value == val {
			return true
		}
	}
	return false
}

// TreeToXML serializes the subtree at idx as an XML fragment.
func (s *Schema) TreeToXML(tree *ptree.Tree, idx int) ([]byte, error) {
	var b strings.Builder
	writeXML(&b, tree, idx)
	return []byte(b.String()), nil
}

func writeXML(b *strings.Builder, tree *ptree.Tree, idx int) {
	n := tree.Node(idx)
	if n.Wildcard {
		return
	}
	fmt.Fprintf(b, "<%s>", n.Name)
	if n.HasValue {
		b.WriteString(xmlEscape(n.Value))
	}
	for _, c := range tree.Children(idx) {
		writeXML(b, tree, c)
	}
	fmt.Fprintf(b, "</%s>", n.Name)
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// AddDefaults walks the schema alongside the tree and inserts any
// default-valued leaf missing from the response, per with-defaults=report-all.
func (s *Schema) AddDefaults(tree *ptree.Tree, idx int) {
	n := tree.Node(idx)
	schemaNode, ok := s.index[n.SchemaPath]
	if !ok {
		return
	}
	for _, sc := range schemaNode.Children {
		if sc.Kind == KindLeaf && sc.Default != "" && tree.ChildByName(idx, sc.Name) < 0 {
			c := tree.AddChild(idx, sc.Name)
			tree.Node(c).HasValue = true
			tree.Node(c).Value = sc.Default
			tree.Node(c).SchemaPath = n.SchemaPath + "/" + sc.Name
		}
	}
	for _, c := range tree.Children(idx) {
		s.AddDefaults(tree, c)
	}
}

// TrimDefaults removes leaves whose value equals the schema default, per
// with-defaults=trim.
func (s *Schema) TrimDefaults(tree *ptree.Tree, idx int) {
	kept := make([]int, 0)
	for _, c := range tree.Children(idx) {
		s.TrimDefaults(tree, c)
		cn := tree.Node(c)
		if schemaNode, ok := s.index[cn.SchemaPath]; ok && cn.HasValue && schemaNode.Default != "" && cn.Value == schemaNode.Default {
			continue
		}
		kept = append(kept, c)
	}
	replaceChildren(tree, idx, kept)
}

func replaceChildren(tree *ptree.Tree, idx int, kept []int) {
	// SweepUnmarked mutates via the Marked flag; reuse its machinery by
	// marking exactly the kept set and invoking it once.
	for _, c := range tree.Children(idx) {
		tree.Node(c).Marked = false
	}
	for _, c := range kept {
		tree.Node(c).Marked = true
	}
	tree.SweepUnmarked(idx)
}

// ConfigToMutation implements schema.Adapter's <config> translator.
func (s *Schema) ConfigToMutation(elem *schema.Elem, defaultOp schema.Operation) (*schema.EditResult, error) {
	tree := ptree.New("")
	res := &schema.EditResult{Tree: tree}
	if err := s.translateEdit(tree, tree.Root(), "", s.root, elem, defaultOp, res); err != nil {
		return nil, err
	}
	res.NeedTreeSet = tree.Len() > 1
	return res, nil
}

func (s *Schema) translateEdit(tree *ptree.Tree, parentIdx int, parentPath string, parentSchema *Node, el *schema.Elem, inheritedOp schema.Operation, res *schema.EditResult) error {
	child := parentSchema.childNamed(el.Namespace, el.Name)
	if child == nil {
		if el.Namespace != "" && !s.namespaceKnown(el.Namespace) {
			return &TranslateError{Tag: "unknown-namespace", Namespace: el.Namespace, Element: el.Name}
		}
		return &TranslateError{Tag: "unknown-element", Element: el.Name}
	}
	childPath := parentPath + "/" + child.Name

	op := inheritedOp
	if raw := el.Attr("operation"); raw != "" {
		op = schema.Operation(raw)
	}

	idx := tree.AddChild(parentIdx, child.Name)
	tree.Node(idx).SchemaPath = childPath

	if child.Kind == KindList {
		keyValue := ""
		for _, key := range child.Key {
			for _, c := range el.Children {
				if c.Name == key {
					keyValue = c.CharData
				}
			}
		}
		if keyValue == "" {
			return &TranslateError{Tag: "missing-element", Element: child.Key[0]}
		}
		instIdx := tree.AddChild(idx, keyValue)
		tree.Node(instIdx).SchemaPath = childPath
		recordOp(res, tree.Path(instIdx), op)
		for _, c := range el.Children {
			if err := s.translateEdit(tree, instIdx, childPath, child, c, op, res); err != nil {
				return err
			}
		}
		return nil
	}

	if len(el.Children) == 0 {
		tree.Node(idx).HasValue = true
		tree.Node(idx).Value = el.CharData
		recordOp(res, tree.Path(idx), op)
		return nil
	}
	for _, c := range el.Children {
		if err := s.translateEdit(tree, idx, childPath, child, c, op, res); err != nil {
			return err
		}
	}
	return nil
}

func recordOp(res *schema.EditResult, path string, op schema.Operation) {
	switch op {
	case schema.OpCreate:
		res.Creates = append(res.Creates, path)
	case schema.OpDelete:
		res.Deletes = append(res.Deletes, path)
	case schema.OpRemove:
		res.Removes = append(res.Removes, path)
	case schema.OpReplace:
		res.Replaces = append(res.Replaces, path)
	default: // merge, none (none is still tracked for audit as a merge-shaped write)
		res.Merges = append(res.Merges, path)
	}
}

// EvaluateCondition evaluates a tiny expression grammar: space-separated
// "and" of "path = 'literal'" / "path != 'literal'" comparisons against
// leaf values present in tree.
func (s *Schema) EvaluateCondition(tree *ptree.Tree, cond schema.Condition) (bool, error) {
	clauses := strings.Split(cond.Expr, " and ")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		neg := false
		sep := "="
		if strings.Contains(clause, "!=") {
			sep, neg = "!=", true
		}
		parts := strings.SplitN(clause, sep, 2)
		if len(parts) != 2 {
			return false, &TranslateError{Tag: "invalid-value", Msg: "unparseable condition: " + clause}
		}
		path := strings.TrimSpace(parts[0])
		want := strings.Trim(strings.TrimSpace(parts[1]), `'"`)
		got, ok := valueAt(tree, tree.Root(), path)
		match := ok && got == want
		if neg {
			match = !match
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func valueAt(tree *ptree.Tree, idx int, path string) (string, bool) {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := idx
	for _, seg := range segs {
		next := tree.ChildByName(cur, seg)
		if next < 0 {
			return "", false
		}
		cur = next
	}
	n := tree.Node(cur)
	return n.Value, n.HasValue
}
