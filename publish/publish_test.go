package publish

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store/badgerstore"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Read(p []byte) (int, error)  { return 0, nil }
func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error                { c.closed = true; return nil }

func (c *fakeConn) CloseRead() error  { c.closed = true; return nil }
func (c *fakeConn) CloseWrite() error { c.closed = true; return nil }

func newTestPublisher(t *testing.T) (*Publisher, *session.Manager, *badgerstore.Store) {
	t.Helper()
	st, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := session.NewManager(4)
	return &Publisher{Sessions: mgr, Store: st}, mgr, st
}

func TestRefreshSessionsWritesRecordFields(t *testing.T) {
	p, mgr, st := newTestPublisher(t)
	sess, err := mgr.Admit(&fakeConn{}, identity.Peer{Username: "admin", RemoteHost: "10.0.0.1", RemotePort: "22"})
	require.NoError(t, err)
	mgr.NoteInRPC(sess)

	p.refreshSessions("")

	base := "/netconf-state/sessions/session/1"
	val, ok, err := st.Get(base + "/username")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "admin", val)

	val, ok, err = st.Get(base + "/transport")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "netconf-ssh", val)

	val, ok, err = st.Get(base + "/in-rpcs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)

	val, ok, err = st.Get(base + "/lock")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "-", val)
}

func TestRefreshSessionsPrunesStaleRecords(t *testing.T) {
	p, mgr, st := newTestPublisher(t)
	sess, err := mgr.Admit(&fakeConn{}, identity.Peer{Username: "admin"})
	require.NoError(t, err)
	p.refreshSessions("")
	_, ok, err := st.Get("/netconf-state/sessions/session/1/username")
	require.NoError(t, err)
	require.True(t, ok)

	mgr.Destroy(sess)
	p.refreshSessions("")

	_, ok, err = st.Get("/netconf-state/sessions/session/1/username")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshStatisticsWritesGlobalCounters(t *testing.T) {
	p, mgr, st := newTestPublisher(t)
	mgr.NoteBadHello()

	p.refreshStatistics("")

	val, ok, err := st.Get("/netconf-state/statistics/in-bad-hellos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)

	_, ok, err = st.Get("/netconf-state/statistics/netconf-start-time")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnStatusWriteDeactivatesSession(t *testing.T) {
	p, mgr, _ := newTestPublisher(t)
	conn := &fakeConn{}
	sess, err := mgr.Admit(conn, identity.Peer{})
	require.NoError(t, err)

	p.onStatusWrite("/netconf-state/sessions/session/"+strconv.FormatUint(uint64(sess.ID), 10)+"/status", "inactive")

	assert.True(t, conn.closed)
}

func TestOnStatusWriteIgnoresOtherValues(t *testing.T) {
	p, mgr, _ := newTestPublisher(t)
	conn := &fakeConn{}
	sess, err := mgr.Admit(conn, identity.Peer{})
	require.NoError(t, err)

	p.onStatusWrite("/netconf-state/sessions/session/"+strconv.FormatUint(uint64(sess.ID), 10)+"/status", "active")

	assert.False(t, conn.closed)
}

func TestOnMaxSessionsWriteClampsAndMirrorsBack(t *testing.T) {
	p, mgr, st := newTestPublisher(t)

	p.onMaxSessionsWrite("", "99")

	assert.Equal(t, session.MaxMaxSessions, mgr.MaxSessions())
	val, ok, err := st.Get(maxSessionsPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10", val)
}

func TestOnMaxSessionsWriteAcceptsValidValueWithoutMirroring(t *testing.T) {
	p, mgr, st := newTestPublisher(t)

	p.onMaxSessionsWrite("", "6")

	assert.Equal(t, 6, mgr.MaxSessions())
	_, ok, err := st.Get(maxSessionsPath)
	require.NoError(t, err)
	assert.False(t, ok)
}
