// Package ssh is the SSH front-end: it accepts TCP connections,
// performs the SSH handshake, opens the "netconf" subsystem channel per
// RFC 6242 §3, and hands the resulting channel to a Dispatcher together
// with the identity.Peer the handshake resolved.
package ssh

import (
	"context"
	"encoding/binary"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/session"
)

// Authenticator decides whether a client may open a session. A successful
// callback's Permissions are consulted for an "username" extension; when
// absent, the SSH username (conn.User()) is used instead.
type Authenticator interface {
	Password(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)
	PublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)
}

// Dispatcher is the narrow slice of dispatch.Dispatcher this package
// depends on, kept as an interface so tests can substitute a fake instead of
// wiring a full query/edit/session stack.
type Dispatcher interface {
	Serve(ctx context.Context, conn session.Conn, peer identity.Peer) error
}

// Server accepts TCP connections, performs the SSH handshake and hands
// each opened "netconf" subsystem channel to a Dispatcher.
type Server struct {
	listener net.Listener
}

// Listen starts accepting connections on address and returns immediately;
// each accepted connection is served on its own goroutine. Accepting stops
// when ctx is canceled or Close is called; connections already being served
// are not closed by either.
func Listen(ctx context.Context, address string, config *ssh.ServerConfig, dispatcher Dispatcher) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: listener}
	go s.acceptConnections(ctx, config, dispatcher)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) acceptConnections(ctx context.Context, config *ssh.ServerConfig, dispatcher Dispatcher) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		nConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(ctx, nConn, config, dispatcher)
	}
}

func (s *Server) handleConn(ctx context.Context, nConn net.Conn, config *ssh.ServerConfig, dispatcher Dispatcher) {
	sConn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		_ = nConn.Close()
		return
	}
	defer sConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveChannel(ctx, channel, requests, sConn, dispatcher)
	}
}

// serveChannel waits for the "netconf" subsystem request RFC 6242 §3
// requires, rejecting anything else, then hands the channel to the
// dispatcher for the lifetime of the session.
func serveChannel(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, sConn *ssh.ServerConn, dispatcher Dispatcher) {
	defer channel.Close()

	for req := range requests {
		accept := req.Type == "subsystem" && subsystemName(req.Payload) == "netconf"
		if req.WantReply {
			_ = req.Reply(accept, nil)
		}
		if !accept {
			continue
		}

		conn := &channelConn{Channel: channel}
		_ = dispatcher.Serve(ctx, conn, peerFromConn(sConn))
		return
	}
}

// subsystemName decodes the SSH string payload of a "subsystem" channel
// request (a 4-byte big-endian length prefix followed by that many bytes).
func subsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint32(len(payload)-4) < n {
		return ""
	}
	return string(payload[4 : 4+n])
}

// peerFromConn builds the identity.Peer a netconf-core session is served
// with from an authenticated SSH connection's permissions and address.
func peerFromConn(c *ssh.ServerConn) identity.Peer {
	username := c.User()
	if c.Permissions != nil {
		if u := c.Permissions.Extensions["username"]; u != "" {
			username = u
		}
	}
	host, port := "", ""
	if addr := c.RemoteAddr(); addr != nil {
		if h, p, err := net.SplitHostPort(addr.String()); err == nil {
			host, port = h, p
		} else {
			host = addr.String()
		}
	}
	return identity.Peer{Username: username, RemoteHost: host, RemotePort: port}
}

// channelConn adapts an ssh.Channel to session.Conn plus session.HalfCloser.
// ssh.Channel already exposes CloseWrite; a true half-read-close isn't
// meaningful for an SSH channel, so CloseRead falls back to a full Close,
// same as session.halfClose's own non-HalfCloser fallback would do.
type channelConn struct {
	ssh.Channel
}

func (c *channelConn) CloseRead() error { return c.Channel.Close() }
