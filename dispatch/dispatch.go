// Package dispatch implements the hello exchange and per-connection RPC
// loop: it is the glue between a transport-supplied connection and the
// query/edit/session packages, owning message-id enforcement, operation
// routing, and error-reply accounting.
package dispatch

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alliedtelesis/apteryx-netconf/edit"
	"github.com/alliedtelesis/apteryx-netconf/internal/framing"
	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/internal/ncerr"
	"github.com/alliedtelesis/apteryx-netconf/internal/trace"
	"github.com/alliedtelesis/apteryx-netconf/query"
	"github.com/alliedtelesis/apteryx-netconf/schema"
	"github.com/alliedtelesis/apteryx-netconf/session"
)

// Auditor records an audited event; the same shape query.Auditor and
// edit.Auditor already depend on.
type Auditor interface {
	Audit(event, detail string)
}

// DefaultReceiveTimeout bounds how long a worker blocks in a single frame
// read when Dispatcher.ReceiveTimeout is left unset. Connections
// implementing Deadliner have the effective timeout applied before every
// ReadMessage/ReadHello call.
const DefaultReceiveTimeout = 60 * time.Second

// Deadliner is the narrow capability a transport connection may implement
// to let the worker bound its blocking reads; connections that don't (e.g.
// an in-memory pipe in tests) simply never time out.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Dispatcher wires the session table and query/edit engines to one
// connection's frame stream.
type Dispatcher struct {
	Schema   schema.Adapter
	Sessions *session.Manager
	Query    *query.Engine
	Edit     *edit.Engine
	Audit    Auditor

	// ReceiveTimeout overrides DefaultReceiveTimeout when positive; set from
	// the process's configuration.
	ReceiveTimeout time.Duration
}

func (d *Dispatcher) audit(event, detail string) {
	if d.Audit != nil {
		d.Audit(event, detail)
	}
}

func (d *Dispatcher) receiveTimeout() time.Duration {
	if d.ReceiveTimeout > 0 {
		return d.ReceiveTimeout
	}
	return DefaultReceiveTimeout
}

// Serve runs one connection's full lifecycle: admission, hello exchange,
// then the RPC loop, until the peer disconnects, sends close-session, is
// killed, or ctx is canceled. The returned error is non-nil only when no
// session could be admitted; a failed hello exchange or a dropped session
// ends Serve with a nil error.
func (d *Dispatcher) Serve(ctx context.Context, conn session.Conn, peer identity.Peer) error {
	sess, err := d.Sessions.Admit(conn, peer)
	if err != nil {
		trace.FromContext(ctx).SessionEnd(0, err)
		return err
	}
	defer d.Sessions.Destroy(sess)
	defer conn.Close()

	trace.FromContext(ctx).SessionStart(sess.ID, peer.RemoteHost)

	reader := framing.NewReader(conn)
	writer := framing.NewWriter(conn)

	if err := d.exchangeHello(ctx, sess, reader, writer); err != nil {
		d.Sessions.NoteBadHello()
		trace.FromContext(ctx).HelloReceived(sess.ID, false)
		trace.FromContext(ctx).SessionEnd(sess.ID, err)
		return nil
	}
	trace.FromContext(ctx).HelloReceived(sess.ID, true)

	loopErr := d.loop(ctx, sess, reader, writer)
	trace.FromContext(ctx).SessionEnd(sess.ID, loopErr)
	return nil
}

// exchangeHello sends this server's <hello> and validates the client's.
func (d *Dispatcher) exchangeHello(ctx context.Context, sess *session.Session, reader *framing.Reader, writer *framing.Writer) error {
	if err := writer.WriteHello(buildHello(sess.ID, d.Schema.Modules())); err != nil {
		return err
	}
	setDeadline(sess.Conn, time.Now().Add(d.receiveTimeout()))
	payload, err := reader.ReadHello(ctx)
	if err != nil {
		return err
	}
	hello, err := schema.ParseElem(payload)
	if err != nil {
		return err
	}
	if !helloAcceptsBase11(hello) {
		return fmt.Errorf("client hello missing base:1.1 capability")
	}
	return nil
}

func helloAcceptsBase11(hello *schema.Elem) bool {
	for _, caps := range hello.Children {
		if caps.Name != "capabilities" {
			continue
		}
		for _, cap := range caps.Children {
			if cap.Name == "capability" && cap.CharData == "urn:ietf:params:netconf:base:1.1" {
				return true
			}
		}
	}
	return false
}

// buildHello renders this server's <hello> document.
func buildHello(sessionID uint32, modules []schema.Module) []byte {
	var b strings.Builder
	b.WriteString(`<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities>`)
	b.WriteString(`<capability>urn:ietf:params:netconf:base:1.1</capability>`)
	b.WriteString(`<capability>urn:ietf:params:netconf:capability:xpath:1.0</capability>`)
	b.WriteString(`<capability>urn:ietf:params:netconf:capability:writable-running:1.0</capability>`)
	b.WriteString(`<capability>urn:ietf:params:netconf:capability:with-defaults:1.0?basic-mode=explicit&amp;also-supported=report-all,trim</capability>`)
	for _, m := range modules {
		fmt.Fprintf(&b, `<capability>%s?module=%s&amp;revision=%s`, m.Namespace, m.Name, m.Revision)
		if len(m.Features) > 0 {
			fmt.Fprintf(&b, `&amp;features=%s`, strings.Join(m.Features, ","))
		}
		if len(m.Deviations) > 0 {
			fmt.Fprintf(&b, `&amp;deviations=%s`, strings.Join(m.Deviations, ","))
		}
		b.WriteString(`</capability>`)
	}
	fmt.Fprintf(&b, `</capabilities><session-id>%d</session-id></hello>`, sessionID)
	return []byte(b.String())
}

// loop reads and dispatches RPCs until the peer closes, is killed, or the
// context is canceled. A framing or envelope-parse failure (a short read, an
// oversized chunk, unparseable XML, or a missing <rpc> root, message-id, or
// operation element) terminates the session and counts it as dropped,
// rather than looping to read the next frame.
func (d *Dispatcher) loop(ctx context.Context, sess *session.Session, reader *framing.Reader, writer *framing.Writer) error {
	for {
		setDeadline(sess.Conn, time.Now().Add(d.receiveTimeout()))
		payload, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, framing.ErrTooBig) {
				d.sendError(sess, writer, "", ncerr.TooBig())
			}
			d.Sessions.NoteDroppedSession()
			return err
		}

		rpcOp, perr := schema.ParseElem(payload)
		if perr != nil || rpcOp.Name != "rpc" {
			d.Sessions.NoteDroppedSession()
			return fmt.Errorf("malformed rpc envelope: %v", perr)
		}
		messageID := rpcOp.Attr("message-id")
		if messageID == "" {
			d.sendError(sess, writer, "", ncerr.MissingAttribute("rpc", "message-id"))
			d.Sessions.NoteDroppedSession()
			return fmt.Errorf("rpc missing message-id")
		}
		if len(rpcOp.Children) == 0 {
			d.sendError(sess, writer, messageID, ncerr.MissingElement("operation"))
			d.Sessions.NoteDroppedSession()
			return fmt.Errorf("rpc missing operation element")
		}
		op := rpcOp.Children[0]
		trace.FromContext(ctx).RPCReceived(sess.ID, op.Name)

		switch op.Name {
		case "close-session":
			d.Sessions.NoteInRPC(sess)
			d.audit("close-session", "")
			d.sendOK(sess, writer, messageID)
			trace.FromContext(ctx).RPCReplied(sess.ID, op.Name, "")
			return nil

		case "kill-session":
			d.handleKillSession(sess, op, writer, messageID)

		case "get":
			d.handleQuery(sess, op, writer, messageID, false)

		case "get-config":
			d.handleQuery(sess, op, writer, messageID, true)

		case "edit-config":
			d.handleEdit(sess, op, writer, messageID)

		case "lock":
			d.handleLock(sess, op, writer, messageID)

		case "unlock":
			d.handleUnlock(sess, op, writer, messageID)

		default:
			d.Sessions.NoteInBadRPC(sess)
			d.sendError(sess, writer, messageID, ncerr.OperationNotSupported("NETCONF: unsupported operation %q", op.Name))
		}
		trace.FromContext(ctx).RPCReplied(sess.ID, op.Name, "")
	}
}

func (d *Dispatcher) handleQuery(sess *session.Session, op *schema.Elem, writer *framing.Writer, messageID string, configOnly bool) {
	data, err := d.Query.Handle(op, sess, configOnly)
	if err != nil {
		d.sendError(sess, writer, messageID, err)
		return
	}
	_ = writer.WriteMessage(marshal(ncerr.DataReply(messageID, data)))
}

func (d *Dispatcher) handleEdit(sess *session.Session, op *schema.Elem, writer *framing.Writer, messageID string) {
	if err := d.Edit.Handle(op, sess); err != nil {
		d.sendError(sess, writer, messageID, err)
		return
	}
	d.sendOK(sess, writer, messageID)
}

func (d *Dispatcher) handleLock(sess *session.Session, op *schema.Elem, writer *framing.Writer, messageID string) {
	if terr := validateRunningTarget(op); terr != nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, terr)
		return
	}
	if err := d.Sessions.Lock(sess); err != nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, err)
		return
	}
	d.Sessions.NoteInRPC(sess)
	d.audit("lock", "")
	d.sendOK(sess, writer, messageID)
}

func (d *Dispatcher) handleUnlock(sess *session.Session, op *schema.Elem, writer *framing.Writer, messageID string) {
	if terr := validateRunningTarget(op); terr != nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, terr)
		return
	}
	if err := d.Sessions.Unlock(sess); err != nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, err)
		return
	}
	d.Sessions.NoteInRPC(sess)
	d.audit("unlock", "")
	d.sendOK(sess, writer, messageID)
}

func (d *Dispatcher) handleKillSession(sess *session.Session, op *schema.Elem, writer *framing.Writer, messageID string) {
	idElem := childNamed(op, "session-id")
	if idElem == nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, ncerr.MissingElement("session-id"))
		return
	}
	if err := d.Sessions.Kill(sess, idElem.CharData); err != nil {
		d.Sessions.NoteInBadRPC(sess)
		d.sendError(sess, writer, messageID, err)
		return
	}
	d.Sessions.NoteInRPC(sess)
	d.audit("kill-session", idElem.CharData)
	d.sendOK(sess, writer, messageID)
}

func (d *Dispatcher) sendOK(sess *session.Session, writer *framing.Writer, messageID string) {
	_ = writer.WriteMessage(marshal(ncerr.OKReply(messageID)))
}

// sendError writes err's <rpc-reply>; every successful send increments
// out_rpc_errors.
func (d *Dispatcher) sendError(sess *session.Session, writer *framing.Writer, messageID string, err *ncerr.Error) {
	if werr := writer.WriteMessage(marshal(ncerr.Reply(messageID, err))); werr == nil {
		d.Sessions.NoteOutRPCError(sess)
	}
}

// validateRunningTarget implements lock/unlock's "target must be running"
// check; it deliberately reuses operation-not-supported/protocol, the same
// shape query.validateSource and edit.validateTarget use for their own
// single-target-element checks.
func validateRunningTarget(op *schema.Elem) *ncerr.Error {
	target := childNamed(op, "target")
	if target == nil || len(target.Children) != 1 || target.Children[0].Name != "running" {
		return ncerr.OperationNotSupported("NETCONF: only the running target is supported")
	}
	return nil
}

func childNamed(elem *schema.Elem, name string) *schema.Elem {
	for _, c := range elem.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func setDeadline(conn session.Conn, t time.Time) {
	if dl, ok := conn.(Deadliner); ok {
		_ = dl.SetReadDeadline(t)
	}
}

// marshal renders a reply envelope to XML. XMLRPCReply's Data field embeds
// already-serialized child fragments verbatim via innerxml, so this is the
// one place query/edit's pre-rendered XML rejoins the document structure
// instead of being re-parsed.
func marshal(reply *ncerr.XMLRPCReply) []byte {
	out, err := xml.Marshal(reply)
	if err != nil {
		return []byte(`<rpc-reply xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><rpc-error><error-tag>operation-failed</error-tag><error-type>application</error-type><error-severity>error</error-severity></rpc-error></rpc-reply>`)
	}
	return out
}
