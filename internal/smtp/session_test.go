package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/postmark-relay/internal/dispatch"
	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/provider"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu      sync.Mutex
	lastMsg *email.MailMessage
	lastCfg dispatch.Config
	sendErr error
}

func (m *mockSender) Send(_ context.Context, msg *email.MailMessage, cfg dispatch.Config) (*dispatch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsg = msg
	m.lastCfg = cfg
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &dispatch.Result{MessageID: "msg-123"}, nil
}

func (m *mockSender) last() (*email.MailMessage, dispatch.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMsg, m.lastCfg
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session over a fresh connection and returns the client
// side with the greeting already consumed.
func startSession(t *testing.T, opts SessionOptions) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	if opts.Hostname == "" {
		opts.Hostname = "mail.test.com"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go NewSession(server, opts).Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader)
	return client, reader
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply and returns all its lines.
func readReply(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

func expect(t *testing.T, reader *bufio.Reader, prefix, step string) string {
	t.Helper()
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, prefix) {
		t.Errorf("%s: got %q, want prefix %q", step, resp, prefix)
	}
	return resp
}

// sendMessage runs EHLO, MAIL, RCPT and DATA for body and returns the final reply.
func sendMessage(t *testing.T, conn net.Conn, reader *bufio.Reader, rcpts []string, body []string) string {
	t.Helper()

	sendCmd(t, conn, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, conn, "MAIL FROM:<sender@example.com>")
	expect(t, reader, "250 ", "MAIL FROM")

	for _, rcpt := range rcpts {
		sendCmd(t, conn, "RCPT TO:<"+rcpt+">")
		expect(t, reader, "250 ", "RCPT TO")
	}

	sendCmd(t, conn, "DATA")
	expect(t, reader, "354 ", "DATA")

	if _, err := conn.Write([]byte(strings.Join(append(body, "."), "\r\n") + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

var plainMessage = []string{
	"From: sender@example.com",
	"To: recipient@example.com",
	"Subject: Test Email",
	"Content-Type: text/plain",
	"",
	"Hello, this is a test email.",
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go NewSession(server, SessionOptions{Sender: &mockSender{}, Hostname: "mail.test.com"}).Handle(ctx)

	greeting := readLine(t, bufio.NewReader(client))
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, SessionOptions{
		Sender:         &mockSender{},
		Auth:           NewAuthenticator("user", "pass"),
		MaxMessageSize: 2048,
	})

	sendCmd(t, client, "EHLO client.test.com")
	lines := readReply(t, reader)

	joined := strings.Join(lines, "\n")
	for _, want := range []string{"AUTH PLAIN LOGIN", "SIZE 2048", "8BITMIME"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q: %v", want, lines)
		}
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Error("STARTTLS advertised without TLS config")
	}
	if last := lines[len(lines)-1]; !strings.HasPrefix(last, "250 ") {
		t.Errorf("last EHLO line: got %q, want prefix '250 '", last)
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  string
		want string
	}{
		{cmd: "HELO client.test.com", want: "250 "},
		{cmd: "NOOP", want: "250 "},
		{cmd: "RSET", want: "250 "},
		{cmd: "INVALID", want: "500 "},
		{cmd: "EHLO", want: "501 "},
		{cmd: "STARTTLS", want: "454 "},
		{cmd: "AUTH PLAIN dGVzdA==", want: "503 "},
		{cmd: "QUIT", want: "221 "},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, SessionOptions{Sender: &mockSender{}})
			sendCmd(t, client, tt.cmd)
			expect(t, reader, tt.want, tt.cmd)
		})
	}
}

func TestSession_MailTransaction_NoAuth(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	cfg := dispatch.Config{APIKey: "server-token", DefaultFromAddress: "noreply@example.com"}
	client, reader := startSession(t, SessionOptions{Sender: sender, Dispatch: cfg})

	resp := sendMessage(t, client, reader, []string{"recipient@example.com"}, plainMessage)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA completion response: got %q, want prefix '250 '", resp)
	}
	if !strings.Contains(resp, "msg-123") {
		t.Errorf("DATA completion response should carry the message id, got %q", resp)
	}

	msg, gotCfg := sender.last()
	if msg == nil {
		t.Fatal("sender did not receive message")
	}
	if msg.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Email")
	}
	if gotCfg.APIKey != "server-token" {
		t.Errorf("dispatch config not forwarded: got %+v", gotCfg)
	}
}

// senderFunc adapts a function to Sender.
type senderFunc func(ctx context.Context, msg *email.MailMessage, cfg dispatch.Config) (*dispatch.Result, error)

func (f senderFunc) Send(ctx context.Context, msg *email.MailMessage, cfg dispatch.Config) (*dispatch.Result, error) {
	return f(ctx, msg, cfg)
}

func TestSession_DispatchSurvivesShutdown(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var (
		mu          sync.Mutex
		sendErr     error
		hasDeadline bool
	)
	sender := senderFunc(func(ctx context.Context, _ *email.MailMessage, _ dispatch.Config) (*dispatch.Result, error) {
		// Shutdown arrives while the provider call is in flight.
		cancel()

		mu.Lock()
		defer mu.Unlock()
		sendErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return &dispatch.Result{MessageID: "msg-456"}, nil
	})

	go NewSession(server, SessionOptions{
		Sender:          sender,
		Hostname:        "mail.test.com",
		DispatchTimeout: time.Minute,
	}).Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader)

	resp := sendMessage(t, client, reader, []string{"recipient@example.com"}, plainMessage)
	if resp != "250 OK queued as msg-456" {
		t.Errorf("DATA completion response: got %q, want %q", resp, "250 OK queued as msg-456")
	}

	mu.Lock()
	defer mu.Unlock()
	if sendErr != nil {
		t.Errorf("dispatch context: got %v, want nil after session cancellation", sendErr)
	}
	if !hasDeadline {
		t.Error("dispatch context has no deadline")
	}
}

func TestSession_DispatchTimeout(t *testing.T) {
	t.Parallel()

	sender := senderFunc(func(ctx context.Context, _ *email.MailMessage, _ dispatch.Config) (*dispatch.Result, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("postmark request failed: %w", ctx.Err())
	})
	client, reader := startSession(t, SessionOptions{Sender: sender, DispatchTimeout: 50 * time.Millisecond})

	resp := sendMessage(t, client, reader, []string{"recipient@example.com"}, plainMessage)
	if !strings.HasPrefix(resp, "451 ") {
		t.Errorf("DATA completion response: got %q, want prefix '451 '", resp)
	}
}

func TestSession_EnvelopeRecipientsBecomeBcc(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	client, reader := startSession(t, SessionOptions{Sender: sender})

	resp := sendMessage(t, client, reader,
		[]string{"recipient@example.com", "hidden@example.com"}, plainMessage)
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion response: got %q", resp)
	}

	msg, _ := sender.last()
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "hidden@example.com" {
		t.Errorf("Bcc: got %v, want [hidden@example.com]", msg.Bcc)
	}
}

func TestSession_MissingToUsesEnvelope(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	client, reader := startSession(t, SessionOptions{Sender: sender})

	sendMessage(t, client, reader, []string{"env@example.com"}, []string{
		"Subject: No headers",
		"",
		"body",
	})

	msg, _ := sender.last()
	if len(msg.To) != 1 || msg.To[0] != "env@example.com" {
		t.Errorf("To: got %v, want [env@example.com]", msg.To)
	}
	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want envelope sender", msg.From)
	}
}

func TestSession_DispatchErrorReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation",
			err:  &dispatch.Error{Kind: dispatch.ErrorKindValidation, Err: dispatch.ErrNoRecipients},
			want: "554 ",
		},
		{
			name: "model extraction",
			err:  &dispatch.Error{Kind: dispatch.ErrorKindModelExtraction, Message: "bad model"},
			want: "554 ",
		},
		{
			name: "user rejection",
			err:  &dispatch.Error{Kind: dispatch.ErrorKindProviderRejection, Status: provider.StatusUserError, Message: "failed to send email: Invalid API key"},
			want: "554 ",
		},
		{
			name: "server rejection",
			err:  &dispatch.Error{Kind: dispatch.ErrorKindProviderRejection, Status: provider.StatusServerError},
			want: "451 ",
		},
		{
			name: "transport",
			err:  &dispatch.Error{Kind: dispatch.ErrorKindTransport, Err: errors.New("timeout")},
			want: "451 ",
		},
		{
			name: "foreign error",
			err:  errors.New("boom"),
			want: "451 ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, reader := startSession(t, SessionOptions{Sender: &mockSender{sendErr: tt.err}})
			resp := sendMessage(t, client, reader, []string{"recipient@example.com"}, plainMessage)
			if !strings.HasPrefix(resp, tt.want) {
				t.Errorf("reply: got %q, want prefix %q", resp, tt.want)
			}

			// The session stays usable after a failed transaction.
			sendCmd(t, client, "MAIL FROM:<sender@example.com>")
			expect(t, reader, "250 ", "MAIL FROM after failure")
		})
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	client, reader := startSession(t, SessionOptions{Sender: sender, MaxMessageSize: 64})

	body := append([]string{}, plainMessage...)
	body = append(body, strings.Repeat("x", 200))

	resp := sendMessage(t, client, reader, []string{"recipient@example.com"}, body)
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized DATA: got %q, want prefix '552 '", resp)
	}
	if msg, _ := sender.last(); msg != nil {
		t.Error("oversized message should not be dispatched")
	}

	sendCmd(t, client, "NOOP")
	expect(t, reader, "250 ", "NOOP after oversized message")
}

func TestSession_DotStuffing(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	client, reader := startSession(t, SessionOptions{Sender: sender})

	sendMessage(t, client, reader, []string{"recipient@example.com"}, []string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"",
		"..leading dot",
	})

	msg, _ := sender.last()
	if msg == nil || !strings.HasPrefix(msg.Body, ".leading dot") {
		t.Errorf("Body: got %+v, want dot-unstuffed line", msg)
	}
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, SessionOptions{Sender: &mockSender{}})

	sendCmd(t, client, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)

	sendCmd(t, client, "RSET")
	expect(t, reader, "250 ", "RSET")

	sendCmd(t, client, "RCPT TO:<recipient@example.com>")
	expect(t, reader, "503 ", "RCPT TO after RSET")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, SessionOptions{
		Sender: &mockSender{},
		Auth:   NewAuthenticator("user", "pass"),
	})

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	expect(t, reader, "503 ", "MAIL FROM before EHLO")

	sendCmd(t, client, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	expect(t, reader, "530 ", "MAIL FROM without AUTH")

	sendCmd(t, client, "RCPT TO:<recipient@example.com>")
	expect(t, reader, "503 ", "RCPT TO before MAIL FROM")

	sendCmd(t, client, "DATA")
	expect(t, reader, "503 ", "DATA before RCPT TO")
}

func TestSession_AuthPlainThenSend(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	client, reader := startSession(t, SessionOptions{
		Sender: sender,
		Auth:   NewAuthenticator("user", "pass"),
	})

	sendCmd(t, client, "EHLO client.test.com")
	readReply(t, reader)

	creds := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	sendCmd(t, client, "AUTH PLAIN "+creds)
	expect(t, reader, "235 ", "AUTH PLAIN")

	sendCmd(t, client, "AUTH PLAIN "+creds)
	expect(t, reader, "503 ", "second AUTH")

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	expect(t, reader, "250 ", "MAIL FROM after AUTH")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, SessionOptions{
		Sender: &mockSender{},
		Auth:   NewAuthenticator("user", "pass"),
	})

	sendCmd(t, client, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, client, "AUTH LOGIN")
	expect(t, reader, "334 VXNlcm5hbWU6", "username challenge")
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("user")))
	expect(t, reader, "334 UGFzc3dvcmQ6", "password challenge")
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("wrong")))
	expect(t, reader, "535 ", "bad password")

	sendCmd(t, client, "AUTH LOGIN")
	expect(t, reader, "334 ", "username challenge")
	sendCmd(t, client, "*")
	expect(t, reader, "501 ", "cancelled AUTH")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestPathArgument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg    string
		prefix string
		want   string
		wantOK bool
	}{
		{"FROM:<user@example.com>", "FROM:", "user@example.com", true},
		{"from:<user@example.com> SIZE=1024", "FROM:", "user@example.com", true},
		{"FROM:<>", "FROM:", "", true},
		{"TO: user@example.com", "TO:", "user@example.com", true},
		{"TO:<broken", "TO:", "", false},
		{"TO:", "TO:", "", false},
		{"<user@example.com>", "FROM:", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			t.Parallel()
			got, ok := pathArgument(tt.arg, tt.prefix)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("pathArgument(%q): got (%q, %v), want (%q, %v)", tt.arg, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestApplyEnvelope(t *testing.T) {
	t.Parallel()

	msg := &email.MailMessage{
		To: []string{"a@example.com"},
		Cc: []string{"c@example.com"},
	}
	applyEnvelope(msg, "bounce@example.com", []string{"A@example.com", "c@example.com", "b@example.com", "b@example.com"})

	if msg.From != "bounce@example.com" {
		t.Errorf("From: got %q", msg.From)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "b@example.com" {
		t.Errorf("Bcc: got %v, want [b@example.com]", msg.Bcc)
	}
}
