package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/postmark-relay/internal/dispatch"
	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/parser"
	"github.com/shineum/postmark-relay/internal/provider"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when SessionOptions.MaxMessageSize is zero.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// DefaultDispatchTimeout is used when SessionOptions.DispatchTimeout is zero.
const DefaultDispatchTimeout = 30 * time.Second

var errMessageTooLarge = errors.New("message exceeds maximum size")

// Sender dispatches parsed messages. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, msg *email.MailMessage, cfg dispatch.Config) (*dispatch.Result, error)
}

// SessionOptions holds what a session needs beyond its connection.
type SessionOptions struct {
	Auth     *Authenticator
	Sender   Sender
	Dispatch dispatch.Config
	Hostname string

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	MaxMessageSize int

	// DispatchTimeout bounds one Sender.Send call. The call outlives
	// cancellation of the session context so shutdown does not abort a
	// message the client has already transmitted.
	DispatchTimeout time.Duration

	Logger *slog.Logger
}

// Session runs the SMTP state machine for one client connection and relays
// every accepted message through the configured Sender.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	opts   SessionOptions
	logger *slog.Logger

	state     sessionState
	tlsActive bool

	// current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn.
func NewSession(conn net.Conn, opts SessionOptions) *Session {
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("", "")
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		opts:   opts,
		logger: logger.With(
			"session_id", uuid.NewString(),
			"remote_addr", conn.RemoteAddr().String(),
		),
	}
}

// Handle processes commands until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Debug("session started")
	s.reply("220 %s ESMTP postmark-relay", s.opts.Hostname)

	for {
		if ctx.Err() != nil {
			s.reply("421 Service shutting down")
			return
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parseCommand(line)
		if quit := s.dispatchCommand(ctx, verb, arg); quit {
			return
		}
	}
}

func (s *Session) dispatchCommand(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.greet(verb, arg)
	case "STARTTLS":
		s.startTLS()
	case "AUTH":
		s.authenticate(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		s.data(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

func (s *Session) greet(verb, arg string) {
	if arg == "" {
		s.reply("501 Syntax: %s hostname", verb)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if verb == "HELO" {
		s.reply("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.opts.Hostname, arg)}
	if s.opts.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.opts.Auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.opts.MaxMessageSize), "8BITMIME", "OK")
	s.replyMulti(250, lines)
}

func (s *Session) startTLS() {
	switch {
	case s.opts.TLSConfig == nil:
		s.reply("454 TLS not available")
		return
	case s.tlsActive:
		s.reply("454 TLS already active")
		return
	}

	s.reply("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) authenticate(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply("503 Send EHLO/HELO first")
		return
	case !s.opts.Auth.Enabled():
		s.reply("503 AUTH not available")
		return
	case s.state >= stateAuthOK:
		s.reply("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(strings.TrimSpace(initial))
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.reply("501 Authentication cancelled")
	case err != nil:
		s.logger.Warn("authentication failed", "mechanism", mechanism, "error", err)
		s.reply("535 Authentication failed")
	default:
		s.state = stateAuthOK
		s.reply("235 Authentication successful")
	}
}

func (s *Session) authPlain(initial string) error {
	if initial == "" {
		resp, err := s.challenge("334")
		if err != nil {
			return err
		}
		initial = resp
	}
	return s.opts.Auth.VerifyPlain(initial)
}

func (s *Session) authLogin() error {
	user, err := s.challenge("334 VXNlcm5hbWU6") // "Username:"
	if err != nil {
		return err
	}
	pass, err := s.challenge("334 UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return err
	}
	return s.opts.Auth.VerifyLogin(user, pass)
}

// challenge sends prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	s.reply("%s", prompt)
	line, err := s.readLine()
	if err != nil {
		return "", fmt.Errorf("failed to read AUTH response: %w", err)
	}
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) mail(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if s.opts.Auth.Enabled() && s.state < stateAuthOK {
		s.reply("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply("503 Nested MAIL command")
		return
	}

	addr, ok := pathArgument(arg, "FROM:")
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("250 OK")
}

func (s *Session) rcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply("503 Send MAIL FROM first")
		return
	}

	addr, ok := pathArgument(arg, "TO:")
	if !ok || addr == "" {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("250 OK")
}

func (s *Session) data(ctx context.Context) {
	if s.state < stateRcptTo {
		s.reply("503 Send RCPT TO first")
		return
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	switch {
	case errors.Is(err, errMessageTooLarge):
		s.logger.Warn("message rejected", "error", err, "limit", s.opts.MaxMessageSize)
		s.reply("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return
	case err != nil:
		s.logger.Error("error reading DATA", "error", err)
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Error("failed to parse message", "error", err)
		s.reply("554 Failed to parse message")
		s.resetTransaction()
		return
	}
	applyEnvelope(msg, s.mailFrom, s.rcptTo)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DispatchTimeout)
	defer cancel()

	res, err := s.opts.Sender.Send(sendCtx, msg, s.opts.Dispatch)
	if err != nil {
		s.reply("%s", replyForError(err))
		s.resetTransaction()
		return
	}

	s.logger.Info("message relayed", "message_id", res.MessageID, "to", msg.To)
	s.reply("250 OK queued as %s", res.MessageID)
	s.resetTransaction()
}

// readData reads the DATA payload up to the terminating dot line, undoing
// dot-stuffing. Oversized payloads are drained so the session stays usable.
func (s *Session) readData() ([]byte, error) {
	var buf bytes.Buffer
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
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if buf.Len()+len(line) > s.opts.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

// applyEnvelope fills what the headers leave out from the SMTP envelope.
// Envelope recipients missing from To and Cc are treated as Bcc.
func applyEnvelope(msg *email.MailMessage, mailFrom string, rcptTo []string) {
	if msg.From == "" {
		msg.From = mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = rcptTo
		return
	}

	listed := make(map[string]struct{}, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, addr := range list {
			listed[strings.ToLower(addr)] = struct{}{}
		}
	}
	for _, addr := range rcptTo {
		if _, ok := listed[strings.ToLower(addr)]; !ok {
			msg.Bcc = append(msg.Bcc, addr)
			listed[strings.ToLower(addr)] = struct{}{}
		}
	}
}

// replyForError maps a dispatch failure onto an SMTP reply. Failures the
// client cannot fix by retrying get a permanent 554, the rest a transient 451.
func replyForError(err error) string {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		return "451 Temporary failure, please try again later"
	}

	switch de.Kind {
	case dispatch.ErrorKindValidation, dispatch.ErrorKindModelExtraction, dispatch.ErrorKindAttachmentIO:
		return "554 Message rejected: " + singleLine(de.Error())
	case dispatch.ErrorKindProviderRejection:
		if de.Status == provider.StatusUserError {
			return "554 Message rejected: " + singleLine(de.Error())
		}
		return "451 Upstream provider error, please try again later"
	default:
		return "451 Temporary failure, please try again later"
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.opts.Auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", fmt.Errorf("failed to set connection deadline: %w", err)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) reply(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// replyMulti writes a multi-line reply: all lines but the last use "code-".
func (s *Session) replyMulti(code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, line)
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// pathArgument extracts the address from "FROM:<addr>" or "TO:<addr>",
// ignoring any ESMTP parameters after the path. The null path <> yields "".
func pathArgument(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	return extractAddress(arg[len(prefix):])
}

// extractAddress extracts an address in angle-bracket or bare form.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr, true
}
