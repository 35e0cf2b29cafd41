package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/sendgrid-relay/internal/email"
	"github.com/shineum/sendgrid-relay/internal/parser"
	"github.com/shineum/sendgrid-relay/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const (
	idleTimeout = 60 * time.Second

	// DefaultMaxMessageSize is advertised in EHLO and enforced during DATA.
	DefaultMaxMessageSize = 25 * 1024 * 1024

	maxRecipients = 1000
)

var errMessageTooLarge = errors.New("message exceeds size limit")

// Session is one client connection running the SMTP state machine. Accepted
// messages are handed to the provider, which is the SendGrid transport in
// production.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	provider provider.Provider
	hostname string
	maxSize  int
	log      *slog.Logger

	tlsConfig *tls.Config
	tlsActive bool

	mailFrom string
	rcptTo   []string
}

// SessionConfig holds the per-connection settings shared by a Server.
type SessionConfig struct {
	Auth           *Authenticator
	Provider       provider.Provider
	Hostname       string
	TLSConfig      *tls.Config
	MaxMessageSize int
	Logger         *slog.Logger
}

// NewSession creates a session for conn.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      cfg.Auth,
		provider:  cfg.Provider,
		hostname:  cfg.Hostname,
		maxSize:   cfg.MaxMessageSize,
		log:       cfg.Logger.With("remote", conn.RemoteAddr().String()),
		tlsConfig: cfg.TLSConfig,
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.reply("220 %s ESMTP sendgrid-relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.reply("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply("250 2.0.0 OK")
	case "NOOP":
		s.reply("250 2.0.0 OK")
	case "QUIT":
		s.reply("221 2.0.0 Bye")
		return true
	default:
		s.reply("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.reply("501 5.5.4 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.reply("250 %s Hello %s", s.hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.hostname, arg)}
	if s.tlsConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.maxSize), "8BITMIME", "ENHANCEDSTATUSCODES")
	s.replyMulti(250, lines)
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.reply("454 4.7.0 TLS not available")
		return
	}
	if s.tlsActive {
		s.reply("454 4.7.0 TLS already active")
		return
	}

	s.reply("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.reply("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.reply("503 5.5.1 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.reply("503 5.5.1 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.handleAuthPlain(initial)
	case "LOGIN":
		s.handleAuthLogin(initial)
	default:
		s.reply("504 5.5.4 Unrecognized authentication type")
	}
}

// readAuthLine sends a 334 challenge and reads the client's answer. It
// reports false when the client cancelled or the read failed.
func (s *Session) readAuthLine(challenge string) (string, bool) {
	s.reply("334 %s", challenge)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Error("failed to read AUTH response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.reply("501 5.7.0 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) handleAuthPlain(initial string) {
	encoded := initial
	if encoded == "" {
		var ok bool
		if encoded, ok = s.readAuthLine(""); !ok {
			return
		}
	}
	s.finishAuth(s.auth.VerifyPlain(encoded))
}

func (s *Session) handleAuthLogin(initial string) {
	user := initial
	if user == "" {
		var ok bool
		if user, ok = s.readAuthLine("VXNlcm5hbWU6"); !ok {
			return
		}
	}
	pass, ok := s.readAuthLine("UGFzc3dvcmQ6")
	if !ok {
		return
	}
	s.finishAuth(s.auth.VerifyLogin(user, pass))
}

func (s *Session) finishAuth(err error) {
	if err != nil {
		s.log.Warn("authentication failed", "error", err)
		s.reply("535 5.7.8 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.reply("235 2.7.0 Authentication successful")
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.reply("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply("503 5.5.1 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.reply("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(arg[5:])
	if addr == "" {
		s.reply("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := params["SIZE"]; ok {
		var n int
		if _, err := fmt.Sscanf(size, "%d", &n); err == nil && n > s.maxSize {
			s.reply("552 5.3.4 Message size exceeds fixed limit")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("250 2.1.0 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.reply("503 5.5.1 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.reply("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitPath(arg[3:])
	if addr == "" {
		s.reply("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.reply("452 4.5.3 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("250 2.1.5 OK")
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.reply("503 5.5.1 Send RCPT TO first")
		return
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.reply("552 5.3.4 Message size exceeds fixed limit")
		s.resetTransaction()
		return
	}
	if err != nil {
		s.log.Error("error reading DATA", "error", err)
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Error("failed to parse message", "error", err)
		s.reply("550 5.6.0 Failed to process message")
		s.resetTransaction()
		return
	}
	applyEnvelope(msg, s.mailFrom, s.rcptTo)

	if err := s.provider.Send(ctx, msg); err != nil {
		s.log.Error("delivery failed",
			"provider", s.provider.Name(),
			"from", s.mailFrom,
			"recipients", len(s.rcptTo),
			"error", err,
		)
		if provider.IsPermanent(err) {
			s.reply("550 5.6.0 Message rejected: %s", firstLine(err.Error()))
		} else {
			s.reply("451 4.3.0 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return
	}

	s.log.Info("message accepted",
		"provider", s.provider.Name(),
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
		"size", len(raw),
	)
	s.reply("250 2.0.0 OK message accepted")
	s.resetTransaction()
}

// readData reads a dot-terminated message body. Oversized input is
// drained to the terminator so the session stays in sync.
func (s *Session) readData() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if len(buf)+len(line) > s.maxSize {
			tooLarge = true
			buf = nil
			continue
		}
		buf = append(buf, line...)
	}
	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf, nil
}

// applyEnvelope fills the sender from MAIL FROM when the headers carry
// none, and adds envelope recipients missing from To and Cc as Bcc.
func applyEnvelope(msg *email.Email, from string, rcpts []string) {
	if msg.From == "" {
		msg.From = from
	}

	seen := make(map[string]bool)
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, addr := range list {
			seen[strings.ToLower(email.ParseAddress(addr).Email)] = true
		}
	}
	for _, rcpt := range rcpts {
		key := strings.ToLower(rcpt)
		if seen[key] {
			continue
		}
		seen[key] = true
		if len(msg.To) == 0 {
			msg.To = append(msg.To, rcpt)
			continue
		}
		msg.Bcc = append(msg.Bcc, rcpt)
	}
}

// resetTransaction clears the mail transaction but keeps greeting and auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) reply(format string, args ...any) {
	s.write(fmt.Sprintf(format, args...) + "\r\n")
}

// replyMulti writes a multi-line reply.
func (s *Session) replyMulti(code int, lines []string) {
	var b strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", code, sep, line)
	}
	s.write(b.String())
}

func (s *Session) write(data string) {
	if _, err := s.writer.WriteString(data); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// splitPath extracts the address from a MAIL or RCPT path and parses any
// ESMTP parameters that follow it.
func splitPath(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)
	params := map[string]string{}

	var addr, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", params
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
	}

	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return strings.TrimSpace(addr), params
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
