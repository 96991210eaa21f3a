// Package control implements the control-plane RPC spec.md §4.N
// describes: a Unix-socket server answering System/Dns/Queue
// introspection requests, authenticated by a SHA-256 bearer token and
// framed with internal/wire's binary length-prefixed codec instead of
// a line-oriented text protocol.
//
// Grounded on chasquid's own internal/localrpc/localrpc.go
// (Server/Client/Handler/Register, a Unix-socket RPC the running
// daemon exposes to its own command-line tool) for the package's Go
// API shape, reframed around internal/wire's framing/bearer-token
// requirements spec §4.N/§12 add on top of that shape — localrpc's
// own url.Values-over-text-lines wire format is chasquid-specific and
// is not reused.
package control

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/wire"
)

// MaxFrameSize bounds one request or response frame, spec §4.N's 1 MiB
// control-RPC cap.
const MaxFrameSize = 1 << 20

// Handler answers one named request's payload with a response payload.
type Handler func(payload []byte) ([]byte, error)

// Server is the control-plane Unix-socket listener.
type Server struct {
	TokenHashes [][32]byte

	handlers map[string]Handler
	lis      net.Listener
}

// NewServer returns an empty Server; tokenHashes are hex-encoded
// SHA-256 digests of accepted bearer tokens, per config.ControlAuth.
func NewServer(tokenHashes []string) (*Server, error) {
	s := &Server{handlers: make(map[string]Handler)}
	for _, h := range tokenHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != sha256.Size {
			return nil, errors.New("control: malformed token hash: " + h)
		}
		var arr [32]byte
		copy(arr[:], raw)
		s.TokenHashes = append(s.TokenHashes, arr)
	}
	return s, nil
}

// Register adds a handler for name, replacing any previous one.
func (s *Server) Register(name string, h Handler) {
	s.handlers[name] = h
}

// ListenAndServe binds path, probing it first: a stale socket left
// behind by an unclean shutdown is removed and rebound, but a socket
// another live instance is still accepting on causes ListenAndServe to
// refuse to start rather than silently stealing the path.
func (s *Server) ListenAndServe(path string) error {
	if err := probeStaleSocket(path); err != nil {
		return err
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.lis = lis

	log.Infof("control: listening on %s", path)
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// probeStaleSocket dials path; a successful dial means a live server is
// already bound there, so the caller must not remove or replace it. A
// failed dial against an existing path means the socket is stale
// (process died without cleanup), and it is safe to unlink it.
func probeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // nothing there; ordinary first bind.
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return errors.New("control: socket " + path + " is already in use by a running instance")
	}
	return os.Remove(path)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	frame, err := wire.ReadFrame(conn, MaxFrameSize)
	if err != nil {
		return
	}
	dec := wire.NewDecoder(frame)
	token, err := dec.String()
	if err != nil {
		writeError(conn, errors.New("malformed request"))
		return
	}
	method, err := dec.String()
	if err != nil {
		writeError(conn, errors.New("malformed request"))
		return
	}
	payload, err := dec.Bytes()
	if err != nil {
		writeError(conn, errors.New("malformed request"))
		return
	}

	if !s.authorized(token) {
		writeError(conn, errors.New("unauthorized"))
		return
	}

	handler, ok := s.handlers[method]
	if !ok {
		writeError(conn, errors.New("unknown method: "+method))
		return
	}

	resp, err := handler(payload)
	if err != nil {
		writeError(conn, err)
		return
	}
	writeOK(conn, resp)
}

// authorized reports whether token's SHA-256 digest constant-time
// matches a configured hash. An empty TokenHashes set means control
// auth is disabled (spec §4.N: auth is optional).
func (s *Server) authorized(token string) bool {
	if len(s.TokenHashes) == 0 {
		return true
	}
	sum := sha256.Sum256([]byte(token))
	for _, want := range s.TokenHashes {
		if subtle.ConstantTimeCompare(sum[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

func writeOK(conn net.Conn, payload []byte) {
	enc := wire.NewEncoder()
	enc.PutBool(true)
	enc.PutBytes(payload)
	wire.WriteFrame(conn, enc.Bytes())
}

func writeError(conn net.Conn, err error) {
	enc := wire.NewEncoder()
	enc.PutBool(false)
	enc.PutString(err.Error())
	wire.WriteFrame(conn, enc.Bytes())
}

// Client dials a control socket and issues requests against it.
type Client struct {
	Path  string
	Token string
}

// NewClient returns a Client for the given socket path and bearer
// token (empty if the server has no control_auth section configured).
func NewClient(path, token string) *Client {
	return &Client{Path: path, Token: token}
}

// Call issues one request and returns its response payload, or the
// error the server reported.
func (c *Client) Call(method string, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("unix", c.Path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	enc := wire.NewEncoder()
	enc.PutString(c.Token)
	enc.PutString(method)
	enc.PutBytes(payload)
	if err := wire.WriteFrame(conn, enc.Bytes()); err != nil {
		return nil, err
	}

	frame, err := wire.ReadFrame(conn, MaxFrameSize)
	if err != nil {
		return nil, err
	}
	dec := wire.NewDecoder(frame)
	ok, err := dec.Bool()
	if err != nil {
		return nil, err
	}
	if !ok {
		msg, _ := dec.String()
		return nil, errors.New(msg)
	}
	return dec.Bytes()
}
