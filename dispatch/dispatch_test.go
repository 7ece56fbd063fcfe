package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedtelesis/apteryx-netconf/edit"
	"github.com/alliedtelesis/apteryx-netconf/internal/framing"
	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/query"
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

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/if.yaml", []byte(ifModuleYAML), 0o600))
	adapter, err := yangschema.Load(dir)
	require.NoError(t, err)

	st, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr := session.NewManager(4)
	return &Dispatcher{
		Schema:   adapter,
		Sessions: mgr,
		Query:    &query.Engine{Schema: adapter, Store: st, Sessions: mgr},
		Edit:     &edit.Engine{Schema: adapter, Store: st, Sessions: mgr},
	}
}

func TestServeHelloGetAndCloseSession(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- d.Serve(context.Background(), serverConn, identity.Peer{Username: "tester"})
	}()

	ctx := context.Background()
	clientReader := framing.NewReader(clientConn)
	clientWriter := framing.NewWriter(clientConn)

	hello, err := clientReader.ReadHello(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(hello), "session-id")
	assert.Contains(t, string(hello), "urn:ietf:params:netconf:base:1.1")

	clientHello := `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>` +
		`<capability>urn:ietf:params:netconf:base:1.1</capability></capabilities></hello>`
	require.NoError(t, clientWriter.WriteHello([]byte(clientHello)))

	rpc := `<rpc message-id="1" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><get/></rpc>`
	require.NoError(t, clientWriter.WriteMessage([]byte(rpc)))

	reply, err := clientReader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(reply), `message-id="1"`)

	closeRPC := `<rpc message-id="2" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><close-session/></rpc>`
	require.NoError(t, clientWriter.WriteMessage([]byte(closeRPC)))

	closeReply, err := clientReader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(closeReply), "<ok")

	select {
	case err := <-serveErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after close-session")
	}
}

func TestServeRejectsHelloWithoutBase11(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- d.Serve(context.Background(), serverConn, identity.Peer{})
	}()

	ctx := context.Background()
	clientReader := framing.NewReader(clientConn)
	clientWriter := framing.NewWriter(clientConn)

	_, err := clientReader.ReadHello(ctx)
	require.NoError(t, err)

	badHello := `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>` +
		`<capability>urn:ietf:params:netconf:base:1.0</capability></capabilities></hello>`
	require.NoError(t, clientWriter.WriteHello([]byte(badHello)))

	select {
	case err := <-serveErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after a rejected hello")
	}

	_, global := d.Sessions.Snapshot()
	assert.Equal(t, uint64(1), global.InBadHellos)
}

func TestServeRejectsMissingMessageID(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- d.Serve(context.Background(), serverConn, identity.Peer{})
	}()

	ctx := context.Background()
	clientReader := framing.NewReader(clientConn)
	clientWriter := framing.NewWriter(clientConn)

	_, err := clientReader.ReadHello(ctx)
	require.NoError(t, err)
	clientHello := `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>` +
		`<capability>urn:ietf:params:netconf:base:1.1</capability></capabilities></hello>`
	require.NoError(t, clientWriter.WriteHello([]byte(clientHello)))

	require.NoError(t, clientWriter.WriteMessage([]byte(`<rpc xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><get/></rpc>`)))

	reply, err := clientReader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(reply), "missing-attribute")

	select {
	case err := <-serveErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after a message-id-less rpc")
	}

	_, global := d.Sessions.Snapshot()
	assert.Equal(t, uint64(1), global.DroppedSessions)
}

func TestServeRejectsMissingOperationElement(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- d.Serve(context.Background(), serverConn, identity.Peer{})
	}()

	ctx := context.Background()
	clientReader := framing.NewReader(clientConn)
	clientWriter := framing.NewWriter(clientConn)

	_, err := clientReader.ReadHello(ctx)
	require.NoError(t, err)
	clientHello := `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>` +
		`<capability>urn:ietf:params:netconf:base:1.1</capability></capabilities></hello>`
	require.NoError(t, clientWriter.WriteHello([]byte(clientHello)))

	require.NoError(t, clientWriter.WriteMessage([]byte(
		`<rpc message-id="1" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"></rpc>`)))

	reply, err := clientReader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(reply), "missing-element")
	assert.Contains(t, string(reply), `message-id="1"`)

	// A missing operation element drops the session rather than waiting for
	// another frame; a well-formed rpc sent afterwards is never read, and the
	// write fails once the server closes its end of the pipe.
	require.Error(t, clientWriter.WriteMessage([]byte(
		`<rpc message-id="2" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><get/></rpc>`)))

	select {
	case err := <-serveErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after an operation-less rpc")
	}

	_, global := d.Sessions.Snapshot()
	assert.Equal(t, uint64(1), global.DroppedSessions)
}

// TestServeSendsTooBigAndDropsSession writes a raw, hand-crafted chunk
// header exceeding framing.MaxChunkSize directly onto the connection,
// bypassing framing.Writer.WriteMessage (which never itself emits an
// oversized chunk, since it splits any payload across multiple chunks).
// This is the only way a chunk this large reaches the reader: a
// non-conformant or malicious client writing the RFC6242 grammar by hand.
func TestServeSendsTooBigAndDropsSession(t *testing.T) {
	d := newTestDispatcher(t)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- d.Serve(context.Background(), serverConn, identity.Peer{})
	}()

	ctx := context.Background()
	clientReader := framing.NewReader(clientConn)
	clientWriter := framing.NewWriter(clientConn)

	_, err := clientReader.ReadHello(ctx)
	require.NoError(t, err)
	clientHello := `<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>` +
		`<capability>urn:ietf:params:netconf:base:1.1</capability></capabilities></hello>`
	require.NoError(t, clientWriter.WriteHello([]byte(clientHello)))

	oversized := framing.MaxChunkSize + 1
	writeErrCh := make(chan error, 1)
	go func() {
		_, werr := fmt.Fprintf(clientConn, "\n#%d\n", oversized)
		if werr == nil {
			_, werr = clientConn.Write(make([]byte, oversized))
		}
		writeErrCh <- werr
	}()

	reply, err := clientReader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(reply), "too-big")

	select {
	case werr := <-writeErrCh:
		require.NoError(t, werr)
	case <-time.After(2 * time.Second):
		t.Fatal("raw chunk write did not complete")
	}

	select {
	case err := <-serveErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after an oversized chunk")
	}

	_, global := d.Sessions.Snapshot()
	assert.Equal(t, uint64(1), global.DroppedSessions)
}
