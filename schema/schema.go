// Package schema declares the facade this server uses over the external
// YANG-derived model: namespace/path metadata lookups, XML<->tree
// translation, defaults handling and condition evaluation. The core
// (query, edit) depends only on the Adapter interface; schema/yangschema
// supplies the concrete implementation used by cmd/netconfd.
package schema

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/alliedtelesis/apteryx-netconf/internal/ptree"
)

// Module describes one loaded schema module, whose fields feed the hello
// capability-string construction.
type Module struct {
	Name       string
	Namespace  string
	Revision   string
	Features   []string
	Deviations []string
}

// Operation is a default-operation or per-node nc:operation value.
type Operation string

const (
	OpMerge   Operation = "merge"
	OpReplace Operation = "replace"
	OpCreate  Operation = "create"
	OpDelete  Operation = "delete"
	OpRemove  Operation = "remove"
	OpNone    Operation = "none"
)

// WithDefaultsMode is the <with-defaults> body value.
type WithDefaultsMode string

const (
	WithDefaultsReportAll WithDefaultsMode = "report-all"
	WithDefaultsTrim      WithDefaultsMode = "trim"
	WithDefaultsExplicit  WithDefaultsMode = "explicit"
)

// FilterMode is the outcome of classifying one XPath alternative.
type FilterMode int

const (
	ModeSimple FilterMode = iota
	ModeEvaluate
	ModeError
)

// Condition is a (path, expression) pair pending evaluation against the
// mutation tree during edit-config.
type Condition struct {
	Path string
	Expr string
}

// EditResult is what the schema adapter hands back after translating a
// <config> element into typed mutations.
type EditResult struct {
	Tree        *ptree.Tree
	Creates     []string
	Deletes     []string
	Removes     []string
	Replaces    []string
	Merges      []string
	Conditions  []Condition
	NeedTreeSet bool
}

// Adapter is the facade the query and edit engines depend on.
type Adapter interface {
	Modules() []Module

	IsList(path string) bool
	IsLeaf(path string) bool
	IsReadable(path string) bool
	// ParentIsList reports whether path's parent node is a schema list,
	// used by the query engine's "raise pointer to list parent" rule.
	ParentIsList(path string) bool
	// HasChildren reports whether the schema node at path has children
	// (used for the "append wildcard at the frontier" rule).
	HasChildren(path string) bool

	// SubtreeToQueryTree translates one <filter> child element into a
	// query tree, honoring stripKey for subtree filters.
	SubtreeToQueryTree(elem *Elem, stripKey bool) (*ptree.Tree, error)

	// ClassifyXPath translates one '|'-joined XPath alternative (already
	// split and trimmed by the caller) into SIMPLE|EVALUATE|ERROR.
	ClassifyXPath(alt string) (FilterMode, *ptree.Tree, error)

	// EvaluateXPath runs alt (as split from the select attribute) against the
	// data tree rooted at root and marks matching nodes together with their
	// ancestors and descendants.
	EvaluateXPath(tree *ptree.Tree, root int, alt string, elemOf map[int]*Elem) error

	// TreeToXML serializes the query-tree/data-tree rooted at idx to XML.
	TreeToXML(tree *ptree.Tree, idx int) ([]byte, error)

	AddDefaults(tree *ptree.Tree, idx int)
	TrimDefaults(tree *ptree.Tree, idx int)

	// ConfigToMutation translates a <config> child element into an
	// EditResult, applying defaultOp where no nc:operation is present.
	ConfigToMutation(elem *Elem, defaultOp Operation) (*EditResult, error)

	EvaluateCondition(tree *ptree.Tree, cond Condition) (bool, error)
}

// Elem is a namespace-aware generic XML element tree, used as the XmlNode
// view (design note: narrow capability sets) over client-supplied XML
// (filters, config bodies) before it is translated into a ptree.Tree.
type Elem struct {
	Name      string // local name
	Namespace string
	Attrs     []xml.Attr
	Children  []*Elem
	CharData  string
}

// Attr returns the value of the named attribute (namespace ignored), or "".
func (e *Elem) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// ParseElem decodes one top-level element from data.
func ParseElem(data []byte) (*Elem, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return decodeElem(dec, se)
		}
	}
}

// ParseChildren decodes every top-level child element found directly inside
// the root element already consumed by dec's caller; used when a caller has
// an *xml.StartElement in hand (e.g. <filter>, <config>) and wants its
// direct children as Elems.
func ParseChildren(dec *xml.Decoder, start xml.StartElement) ([]*Elem, error) {
	var out []*Elem
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				el, err := decodeElem(dec, t)
				if err != nil {
					return nil, err
				}
				out = append(out, el)
			} else {
				depth++
			}
		case xml.EndElement:
			if depth == 0 {
				return out, nil
			}
			depth--
		}
	}
}

func decodeElem(dec *xml.Decoder, start xml.StartElement) (*Elem, error) {
	e := &Elem{Name: start.Name.Local, Namespace: start.Name.Space, Attrs: start.Attr}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElem(dec, t)
			if err != nil {
				return nil, err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			e.CharData += string(t)
		case xml.EndElement:
			e.CharData = strings.TrimSpace(e.CharData)
			return e, nil
		}
	}
}

