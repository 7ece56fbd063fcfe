package edit

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/schema"
	"github.com/alliedtelesis/apteryx-netconf/schema/yangschema"
	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store/badgerstore"
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

type noopConn struct{}

func (noopConn) Read(p []byte) (int, error)  { return 0, nil }
func (noopConn) Write(p []byte) (int, error) { return len(p), nil }
func (noopConn) Close() error                { return nil }

func newTestEngine(t *testing.T) (*Engine, *session.Session) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/if.yaml", []byte(ifModuleYAML), 0o600))
	adapter, err := yangschema.Load(dir)
	require.NoError(t, err)

	st, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := session.NewManager(4)
	sess, err := mgr.Admit(&noopConn{}, identity.Peer{Username: "tester"})
	require.NoError(t, err)

	return &Engine{Schema: adapter, Store: st, Sessions: mgr}, sess
}

func TestHandleCreateWritesNewInstance(t *testing.T) {
	e, sess := newTestEngine(t)

	rpcXML := `<edit-config><target><running/></target><config>` +
		`<interfaces xmlns="urn:example:if"><interface nc:operation="create" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">` +
		`<name>eth0</name><mtu>9000</mtu></interface></interfaces></config></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.Nil(t, nerr)

	val, ok, err := e.Store.Get("/interfaces/interface/eth0/mtu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9000", val)
}

func TestHandleCreateRejectsExistingInstance(t *testing.T) {
	e, sess := newTestEngine(t)
	require.NoError(t, e.Store.Set("/interfaces/interface/eth0/name", "eth0"))

	rpcXML := `<edit-config><target><running/></target><config>` +
		`<interfaces xmlns="urn:example:if"><interface nc:operation="create" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">` +
		`<name>eth0</name></interface></interfaces></config></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.NotNil(t, nerr)
	assert.Equal(t, "data-exists", string(nerr.Tag))
}

func TestHandleDeleteRejectsMissingInstance(t *testing.T) {
	e, sess := newTestEngine(t)

	rpcXML := `<edit-config><target><running/></target><config>` +
		`<interfaces xmlns="urn:example:if"><interface nc:operation="delete" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">` +
		`<name>eth0</name></interface></interfaces></config></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.NotNil(t, nerr)
	assert.Equal(t, "data-missing", string(nerr.Tag))
}

func TestHandleDeleteRemovesExistingInstance(t *testing.T) {
	e, sess := newTestEngine(t)
	require.NoError(t, e.Store.Set("/interfaces/interface/eth0/name", "eth0"))

	rpcXML := `<edit-config><target><running/></target><config>` +
		`<interfaces xmlns="urn:example:if"><interface nc:operation="delete" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">` +
		`<name>eth0</name></interface></interfaces></config></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.Nil(t, nerr)

	_, ok, err := e.Store.Get("/interfaces/interface/eth0/name")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleMergeDefaultOperation(t *testing.T) {
	e, sess := newTestEngine(t)

	rpcXML := `<edit-config><target><running/></target><config>` +
		`<interfaces xmlns="urn:example:if"><interface><name>eth1</name><mtu>1500</mtu></interface></interfaces></config></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.Nil(t, nerr)

	val, ok, err := e.Store.Get("/interfaces/interface/eth1/mtu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1500", val)
}

func TestHandleRejectsNonRunningTarget(t *testing.T) {
	e, sess := newTestEngine(t)

	rpcXML := `<edit-config><target><candidate/></target><config/></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.NotNil(t, nerr)
	assert.Equal(t, "operation-not-supported", string(nerr.Tag))
}

func TestHandleRejectsUnsupportedDefaultOperation(t *testing.T) {
	e, sess := newTestEngine(t)

	rpcXML := `<edit-config><target><running/></target><default-operation>bogus</default-operation><config/></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.NotNil(t, nerr)
	assert.Equal(t, "invalid-value", string(nerr.Tag))
}

func TestHandleRejectsWhenLockedByOther(t *testing.T) {
	e, sess := newTestEngine(t)
	other, err := e.Sessions.Admit(&noopConn{}, identity.Peer{})
	require.NoError(t, err)
	require.NoError(t, e.Sessions.Lock(other))

	rpcXML := `<edit-config><target><running/></target><config/></edit-config>`
	rpcOp, err := schema.ParseElem([]byte(rpcXML))
	require.NoError(t, err)

	nerr := e.Handle(rpcOp, sess)
	require.NotNil(t, nerr)
	assert.Equal(t, "in-use", string(nerr.Tag))
}
