package yangschema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedtelesis/apteryx-netconf/schema"
)

const ifModuleYAML = `
name: example-if
namespace: "urn:example:if"
revision: "2024-01-01"
nodes:
  - name: interfaces
    kind: container
    children:
      - name: interface
        kind: list
        key: [name]
        children:
          - name: name
            kind: leaf
          - name: mtu
            kind: leaf
            default: "1500"
`

func loadFixture(t *testing.T) *Schema {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "if.yaml"), []byte(ifModuleYAML), 0o600))
	s, err := Load(dir)
	require.NoError(t, err)
	return s
}

func TestIsListAndIsLeaf(t *testing.T) {
	s := loadFixture(t)
	assert.True(t, s.IsList("/interfaces/interface"))
	assert.True(t, s.IsLeaf("/interfaces/interface/name"))
	assert.True(t, s.ParentIsList("/interfaces/interface/name"))
	assert.False(t, s.IsList("/interfaces"))
}

func TestSubtreeToQueryTreeStripsKey(t *testing.T) {
	s := loadFixture(t)
	filterXML := `<interfaces xmlns="urn:example:if"><interface><name/></interface></interfaces>`
	elem, err := schema.ParseElem([]byte(filterXML))
	require.NoError(t, err)

	tree, err := s.SubtreeToQueryTree(elem, true)
	require.NoError(t, err)

	ifs := tree.Children(tree.Root())[0]
	assert.Equal(t, "interfaces", tree.Node(ifs).Name)
	iface := tree.Children(ifs)[0]
	assert.Equal(t, "interface", tree.Node(iface).Name)
	inst := tree.Children(iface)[0]
	assert.True(t, tree.Node(inst).Wildcard)
}

func TestSubtreeToQueryTreeWithKeyValue(t *testing.T) {
	s := loadFixture(t)
	filterXML := `<interfaces xmlns="urn:example:if"><interface><name>eth0</name></interface></interfaces>`
	elem, err := schema.ParseElem([]byte(filterXML))
	require.NoError(t, err)

	tree, err := s.SubtreeToQueryTree(elem, true)
	require.NoError(t, err)

	ifs := tree.Children(tree.Root())[0]
	iface := tree.Children(ifs)[0]
	inst := tree.Children(iface)[0]
	assert.Equal(t, "eth0", tree.Node(inst).Name)
	assert.False(t, tree.Node(inst).Wildcard)
}

func TestClassifyXPathSimple(t *testing.T) {
	s := loadFixture(t)
	mode, tree, err := s.ClassifyXPath("/interfaces/interface[name='eth0']/mtu")
	require.NoError(t, err)
	assert.Equal(t, schema.ModeSimple, mode)
	require.NotNil(t, tree)
}

func TestConfigToMutationRecordsCreate(t *testing.T) {
	s := loadFixture(t)
	configXML := `<interfaces xmlns="urn:example:if"><interface><name>eth0</name><mtu nc:operation="create" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">9000</mtu></interface></interfaces>`
	elem, err := schema.ParseElem([]byte(configXML))
	require.NoError(t, err)

	res, err := s.ConfigToMutation(elem, schema.OpMerge)
	require.NoError(t, err)
	assert.Contains(t, res.Creates, "/interfaces/interface/eth0/mtu")
}
