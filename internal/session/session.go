// Package session implements the SMTP session loop spec.md §4.A/§4.D
// describe: wire I/O (line-oriented reads, multi-line responses,
// STARTTLS in place), driven by internal/proto's pure Command parser
// and Phase FSM, with internal/module.Bus dispatched at each
// validation point. A completed message is written to the spool and
// indexed into the delivery queue, handing it off to internal/delivery.
//
// Grounded on chasquid's own internal/smtpsrv/conn.go Conn/Handle loop
// (buffered reader/writer, line length cap, error-count disconnect,
// STARTTLS connection swap, dot-terminated DATA body) generalized so
// that what conn.go did by calling Go methods (HELO/MAIL/RCPT/...)
// directly, this package does by asking internal/proto for the next
// Phase and internal/module.Bus whether to allow it.
package session

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/maillog"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/proto"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/queue"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/tlsconst"
)

// Mode distinguishes the three listener kinds spec.md §4.A names: plain
// SMTP (STARTTLS optional), submission (STARTTLS expected), and
// implicit-TLS submission.
type Mode struct {
	Submission bool
	ImplicitTLS bool
}

func (m Mode) String() string {
	s := "smtp"
	if m.Submission {
		s = "submission"
	}
	if m.ImplicitTLS {
		s += "+tls"
	}
	return s
}

var (
	ModeSMTP       = Mode{}
	ModeSubmission = Mode{Submission: true}
	ModeImplicit   = Mode{Submission: true, ImplicitTLS: true}
)

// Config carries the per-server settings a Conn needs, populated once
// from internal/config at startup.
type Config struct {
	Hostname       string
	Banner         string
	MaxMessageSize int64
	CommandTimeout time.Duration
	ConnTimeout    time.Duration
	TLSConfig      *tls.Config
}

// Conn is one accepted SMTP connection.
type Conn struct {
	cfg  Config
	mode Mode

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	onTLS bool

	phase proto.Phase
	state proto.SessionState

	bus      *module.Bus
	backend  spool.Backend
	queue    *queue.Queue

	remoteAddr string
	deadline   time.Time
	errCount   int
}

// New wraps an accepted connection. If mode is implicit-TLS, conn is
// already (or about to be) a *tls.Conn; New does not itself wrap it.
func New(conn net.Conn, mode Mode, cfg Config, bus *module.Bus, backend spool.Backend, q *queue.Queue) *Conn {
	return &Conn{
		cfg:        cfg,
		mode:       mode,
		conn:       conn,
		onTLS:      mode.ImplicitTLS,
		phase:      proto.Connect,
		bus:        bus,
		backend:    backend,
		queue:      q,
		remoteAddr: conn.RemoteAddr().String(),
		deadline:   time.Now().Add(cfg.ConnTimeout),
	}
}

// Close the underlying connection.
func (c *Conn) Close() { c.conn.Close() }

// Handle runs the session to completion: the 220 banner, the
// command/response loop, and (on DATA) the content read, validate and
// spool sequence. It returns once the client disconnects, issues QUIT,
// or the bus/FSM closes the session.
func (c *Conn) Handle() {
	defer c.Close()

	c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			log.Errorf("session: TLS handshake: %v", err)
			return
		}
		logTLSInfo(tc)
	}

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	ctx := c.moduleContext()
	c.bus.Emit(module.ConnectionOpened, ctx)
	if !c.bus.Dispatch(module.ValidateConnect, ctx) {
		c.respondFrom(ctx, 554, "5.7.1 Connection rejected")
		return
	}

	c.printfLine("220 %s %s", c.cfg.Hostname, c.bannerOrDefault())

	for {
		if time.Now().After(c.deadline) {
			log.Debugf("session: connection deadline exceeded")
			return
		}
		c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

		line, err := c.readLine()
		if err != nil {
			if err != io.EOF {
				log.Debugf("session: read error: %v", err)
			}
			return
		}

		if !c.step(line) {
			return
		}
	}
}

// step processes one command line, returning false when the session
// should close.
func (c *Conn) step(line string) bool {
	cmd := proto.Parse(line)

	if cmd.Verb == proto.CmdQuit {
		c.writeResponse(221, "2.0.0 Bye")
		return false
	}

	switch cmd.Verb {
	case proto.CmdEhlo, proto.CmdHelo:
		return c.handleHello(cmd)
	case proto.CmdMailFrom:
		return c.handleMailFrom(cmd)
	case proto.CmdRcptTo:
		return c.handleRcptTo(cmd)
	case proto.CmdData:
		return c.handleData(cmd)
	case proto.CmdStartTLS:
		return c.handleStartTLS(cmd)
	case proto.CmdRset:
		proto.Transition(c.phase, cmd, &c.state)
		c.phase = c.currentHelloPhase()
		c.writeResponse(250, "2.0.0 Reset")
		return true
	case proto.CmdNoop:
		c.writeResponse(250, "2.0.0 OK")
		return true
	case proto.CmdHelp:
		c.writeResponse(214, "2.0.0 See RFC 5321")
		return true
	case proto.CmdVrfy:
		c.writeResponse(502, "5.5.1 VRFY not supported")
		return true
	case proto.CmdAuth:
		c.writeResponse(502, "5.5.1 AUTH not supported")
		return true
	default:
		return c.reject(500, "5.5.1 Unknown command")
	}
}

func (c *Conn) handleHello(cmd proto.Command) bool {
	if strings.TrimSpace(cmd.Host) == "" {
		return c.reject(501, "5.5.4 HELO/EHLO requires a domain argument")
	}

	prevExtended := c.state.Extended
	prevClientID := c.state.ClientID
	newPhase := proto.Transition(c.phase, cmd, &c.state)

	ctx := c.moduleContext()
	ctx.MetaSet("hello.domain", c.state.ClientID)
	if !c.bus.Dispatch(module.ValidateEhlo, ctx) {
		c.state.Extended = prevExtended
		c.state.ClientID = prevClientID
		return c.rejectWith(ctx, 550, "5.7.1 Greeting rejected")
	}
	c.phase = newPhase

	if cmd.Verb == proto.CmdEhlo {
		c.writeResponse(250, c.ehloResponse())
	} else {
		c.writeResponse(250, c.cfg.Hostname)
	}
	return true
}

func (c *Conn) ehloResponse() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n8BITMIME\nPIPELINING\nSMTPUTF8\nENHANCEDSTATUSCODES\n", c.cfg.Hostname)
	fmt.Fprintf(&b, "SIZE %d\n", c.cfg.MaxMessageSize)
	if !c.onTLS {
		fmt.Fprintf(&b, "STARTTLS\n")
	}
	fmt.Fprintf(&b, "HELP")
	return b.String()
}

func (c *Conn) handleMailFrom(cmd proto.Command) bool {
	if c.phase != proto.Helo && c.phase != proto.Ehlo {
		return c.reject(503, "5.5.1 Say HELO/EHLO first")
	}

	newPhase := proto.Transition(c.phase, cmd, &c.state)

	ctx := c.moduleContext()
	if !c.bus.Dispatch(module.ValidateMailFrom, ctx) {
		maillog.Rejected(c.conn.RemoteAddr(), cmd.From.String(), nil, "sender rejected")
		c.state.Envelope.Reset()
		return c.rejectWith(ctx, 550, "5.7.1 Sender rejected")
	}
	c.phase = newPhase
	c.writeResponse(250, "2.1.0 Sender OK")
	return true
}

func (c *Conn) handleRcptTo(cmd proto.Command) bool {
	if c.phase != proto.MailFrom && c.phase != proto.RcptTo {
		return c.reject(503, "5.5.1 Need MAIL FROM first")
	}

	newPhase := proto.Transition(c.phase, cmd, &c.state)

	ctx := c.moduleContext()
	if !c.bus.Dispatch(module.ValidateRcptTo, ctx) {
		maillog.Rejected(c.conn.RemoteAddr(), c.senderString(),
			[]string{cmd.To.String()}, "recipient rejected")
		recipients := c.state.Envelope.Recipients
		c.state.Envelope.Recipients = recipients[:len(recipients)-1]
		return c.rejectWith(ctx, 550, "5.7.1 Recipient rejected")
	}
	c.phase = newPhase
	c.writeResponse(250, "2.1.5 Recipient OK")
	return true
}

func (c *Conn) handleStartTLS(cmd proto.Command) bool {
	if c.onTLS {
		return c.reject(503, "5.5.1 Already using TLS")
	}
	if c.cfg.TLSConfig == nil {
		return c.reject(454, "4.7.0 TLS not available")
	}

	ctx := c.moduleContext()
	if !c.bus.Dispatch(module.ValidateStartTLS, ctx) {
		return c.rejectWith(ctx, 550, "5.7.1 STARTTLS rejected")
	}

	c.writeResponse(220, "2.0.0 Ready to start TLS")

	tlsConn := tls.Server(c.conn, c.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.Errorf("session: STARTTLS handshake: %v", err)
		return false
	}
	logTLSInfo(tlsConn)

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.onTLS = true

	c.state = proto.SessionState{}
	c.phase = proto.Connect
	return true
}

func (c *Conn) handleData(cmd proto.Command) bool {
	if c.phase != proto.RcptTo {
		return c.reject(503, "5.5.1 Need RCPT TO first")
	}

	c.writeResponse(354, "Start mail input; end with <CRLF>.<CRLF>")

	c.conn.SetDeadline(c.deadline)
	dotr := textproto.NewReader(bufio.NewReader(io.LimitReader(c.reader, c.cfg.MaxMessageSize))).DotReader()
	data, err := io.ReadAll(dotr)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			drainUntilDot(c.reader)
			maillog.Rejected(c.conn.RemoteAddr(), c.senderString(), c.recipientStrings(), "message too big")
			return c.reject(552, "5.3.4 Message too big")
		}
		log.Debugf("session: DATA read error: %v", err)
		return false
	}

	ctx := c.moduleContext()
	ctx.Data = data
	if !c.bus.Dispatch(module.ValidateData, ctx) {
		maillog.Rejected(c.conn.RemoteAddr(), c.senderString(), c.recipientStrings(), "content rejected")
		c.state.Envelope.Reset()
		c.phase = c.currentHelloPhase()
		return c.rejectWith(ctx, 554, "5.7.1 Message content rejected")
	}

	id, err := c.spoolMessage(data)
	if err != nil {
		log.Errorf("session: spooling message: %v", err)
		c.writeResponse(451, "4.3.0 Failed to queue message")
		return true
	}

	maillog.Queued(c.conn.RemoteAddr(), c.senderString(), c.recipientStrings(), id.String())
	c.bus.Emit(module.SmtpMessageReceived, ctx)
	c.writeResponse(250, fmt.Sprintf("2.0.0 Queued as %s", id.String()))

	c.state.Envelope.Reset()
	c.phase = c.currentHelloPhase()
	return true
}

// spoolMessage writes the message to the spool and indexes one
// DeliveryInfo per unique recipient domain, spec.md §4.H's "each newly
// spooled message is indexed per unique recipient domain".
func (c *Conn) spoolMessage(data []byte) (spool.ID, error) {
	now := time.Now()
	sctx := &spool.Context{
		Envelope:   c.state.Envelope,
		Data:       data,
		HeloID:     c.state.ClientID,
		Extended:   c.state.Extended,
		ReceivedAt: now,
		Metadata:   map[string]string{"remote_addr": c.remoteAddr},
	}

	id, err := c.backend.Write(sctx)
	if err != nil {
		return spool.ID{}, err
	}

	seen := map[string]bool{}
	for _, r := range sctx.Envelope.Recipients {
		if seen[r.Domain] {
			continue
		}
		seen[r.Domain] = true
		c.queue.Put(&queue.DeliveryInfo{
			MessageID: id,
			Domain:    r.Domain,
			Status:    spool.Pending,
			QueuedAt:  now,
		})
	}
	return id, nil
}

// senderString returns the current envelope's sender for logging,
// "<>" for the null reverse-path, or "" before MAIL FROM.
func (c *Conn) senderString() string {
	if c.state.Envelope.NullSender {
		return "<>"
	}
	if c.state.Envelope.Sender == nil {
		return ""
	}
	return c.state.Envelope.Sender.String()
}

func (c *Conn) recipientStrings() []string {
	to := make([]string, len(c.state.Envelope.Recipients))
	for i, r := range c.state.Envelope.Recipients {
		to[i] = r.String()
	}
	return to
}

// logTLSInfo reports the negotiated protocol version and cipher suite
// by name, rather than the raw uint16 codes crypto/tls.ConnectionState
// carries.
func logTLSInfo(tc *tls.Conn) {
	st := tc.ConnectionState()
	log.Infof("session: TLS handshake complete: %s %s",
		tlsconst.VersionName(st.Version), tlsconst.CipherSuiteName(st.CipherSuite))
}

func (c *Conn) currentHelloPhase() proto.Phase {
	if c.state.ClientID == "" {
		return proto.Connect
	}
	if c.state.Extended {
		return proto.Ehlo
	}
	return proto.Helo
}

func (c *Conn) moduleContext() *module.Context {
	return &module.Context{
		ID:             c.remoteAddr,
		Extended:       c.state.Extended,
		Envelope:       c.state.Envelope,
		MaxMessageSize: int(c.cfg.MaxMessageSize),
		Banner:         c.cfg.Banner,
		RemoteAddr:     c.remoteAddr,
	}
}

// reject sends a built-in rejection response.
func (c *Conn) reject(code int, msg string) bool {
	return c.rejectWith(nil, code, msg)
}

// rejectWith sends ctx.Response if a module set one, else the given
// default, and counts the failure toward the anti-cross-protocol-abuse
// disconnect threshold (spec.md §4.D step 6, grounded on conn.go's
// three-strikes rule).
func (c *Conn) rejectWith(ctx *module.Context, code, msg string) bool {
	c.respondFrom(ctx, code, msg)
	c.errCount++
	return c.errCount < 3
}

func (c *Conn) respondFrom(ctx *module.Context, code int, msg string) {
	if ctx != nil && ctx.Response != nil {
		c.writeResponse(ctx.Response.Code, ctx.Response.Message)
		return
	}
	c.writeResponse(code, msg)
}

func (c *Conn) bannerOrDefault() string {
	if c.cfg.Banner != "" {
		return c.cfg.Banner
	}
	return "ESMTP empath"
}

func (c *Conn) readLine() (string, error) {
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("session: line too long")
	}
	return string(l), nil
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

func (c *Conn) writeResponse(code int, msg string) {
	defer c.writer.Flush()
	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		fmt.Fprintf(c.writer, "%d-%s\r\n", code, lines[i])
	}
	fmt.Fprintf(c.writer, "%d %s\r\n", code, lines[len(lines)-1])
}
