package smtprelay

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/sendgrid-relay/internal/email"
)

// fakeServer is a minimal scripted SMTP server that records one transaction.
type fakeServer struct {
	ln         net.Listener
	offerTLS   bool
	mu         sync.Mutex
	username   string
	password   string
	mailFrom   string
	rcptTo     []string
	data       string
	authMethod string
}

func startFakeServer(t *testing.T, offerTLS bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, offerTLS: offerTLS}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}
	readLine := func() string {
		line, _ := r.ReadString('\n')
		return strings.TrimRight(line, "\r\n")
	}
	decode := func(line string) string {
		b, _ := base64.StdEncoding.DecodeString(line)
		return string(b)
	}

	reply("220 fake ESMTP")
	for {
		line := readLine()
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"):
			reply("250-fake")
			if s.offerTLS {
				reply("250-STARTTLS")
			}
			reply("250 AUTH LOGIN PLAIN")
		case upper == "AUTH LOGIN":
			reply("334 VXNlcm5hbWU6")
			user := decode(readLine())
			reply("334 UGFzc3dvcmQ6")
			pass := decode(readLine())
			s.mu.Lock()
			s.authMethod, s.username, s.password = "LOGIN", user, pass
			s.mu.Unlock()
			reply("235 ok")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.mailFrom = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			s.mu.Unlock()
			reply("250 ok")
		case strings.HasPrefix(upper, "RCPT TO:"):
			s.mu.Lock()
			s.rcptTo = append(s.rcptTo, strings.Trim(line[len("RCPT TO:"):], "<> "))
			s.mu.Unlock()
			reply("250 ok")
		case upper == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l := readLine()
				if l == "." {
					break
				}
				b.WriteString(l + "\n")
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		case line == "":
			return
		default:
			reply("500 unrecognized")
		}
	}
}

func testMessage() *email.Email {
	return &email.Email{
		From:     "shop@example.com",
		FromName: "Shop",
		To:       []string{"Alice <alice@example.com>"},
		Cc:       []string{"carol@example.com"},
		Bcc:      []string{"audit@example.com", "ALICE@example.com"},
		Subject:  "Order shipped",
		TextBody: "Your parcel is on its way.",
		RawHeaders: map[string][]string{
			"X-Smtpapi": {`{"category":["magento2_sendgrid_plugin"]}`},
		},
	}
}

func TestSend_PlainWithLoginAuth(t *testing.T) {
	t.Parallel()

	srv := startFakeServer(t, false)
	p := New(Config{
		Host:     "127.0.0.1",
		Port:     srv.port(),
		Username: "apikey",
		Password: "SG.secret",
		Security: SecurityNone,
		Timeout:  5 * time.Second,
	})

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.authMethod != "LOGIN" || srv.username != "apikey" || srv.password != "SG.secret" {
		t.Errorf("auth: got %s %q/%q, want LOGIN apikey/SG.secret", srv.authMethod, srv.username, srv.password)
	}
	if srv.mailFrom != "shop@example.com" {
		t.Errorf("MAIL FROM: got %q, want %q", srv.mailFrom, "shop@example.com")
	}
	wantRcpt := []string{"alice@example.com", "carol@example.com", "audit@example.com"}
	if strings.Join(srv.rcptTo, ",") != strings.Join(wantRcpt, ",") {
		t.Errorf("RCPT TO: got %v, want %v", srv.rcptTo, wantRcpt)
	}
	if !strings.Contains(srv.data, "X-Smtpapi: ") {
		t.Errorf("data missing x-smtpapi header:\n%s", srv.data)
	}
	if strings.Contains(srv.data, "audit@example.com") {
		t.Errorf("bcc recipient leaked into message data")
	}
}

func TestSend_StartTLSRequired(t *testing.T) {
	t.Parallel()

	srv := startFakeServer(t, false)
	p := New(Config{
		Host:     "127.0.0.1",
		Port:     srv.port(),
		Security: SecurityStartTLS,
		Timeout:  5 * time.Second,
	})

	err := p.Send(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "STARTTLS") {
		t.Fatalf("got %v, want STARTTLS error", err)
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	p := New(Config{Host: "127.0.0.1", Port: 1, Security: SecurityNone})

	if err := p.Send(context.Background(), &email.Email{To: []string{"a@example.com"}}); err == nil {
		t.Error("expected error for missing sender")
	}
	if err := p.Send(context.Background(), &email.Email{From: "a@example.com"}); err == nil {
		t.Error("expected error for missing recipients")
	}
}

func TestSend_DialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := New(Config{Host: "127.0.0.1", Port: port, Security: SecurityNone, Timeout: time.Second})
	err = p.Send(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("got %v, want dial error", err)
	}
}

func TestSecurityForPort(t *testing.T) {
	t.Parallel()

	tests := map[int]Security{
		25:  SecurityStartTLS,
		465: SecurityImplicit,
		587: SecurityStartTLS,
	}
	for port, want := range tests {
		if got := SecurityForPort(port); got != want {
			t.Errorf("SecurityForPort(%d): got %q, want %q", port, got, want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	p := New(Config{Host: "smtp.sendgrid.net", Port: 465})
	if p.cfg.Security != SecurityImplicit {
		t.Errorf("Security: got %q, want %q", p.cfg.Security, SecurityImplicit)
	}
	if p.cfg.HeloName != "localhost" {
		t.Errorf("HeloName: got %q, want %q", p.cfg.HeloName, "localhost")
	}
	if got, want := p.Addr(), net.JoinHostPort("smtp.sendgrid.net", strconv.Itoa(465)); got != want {
		t.Errorf("Addr(): got %q, want %q", got, want)
	}
	if p.Name() != "smtp-relay" {
		t.Errorf("Name(): got %q, want %q", p.Name(), "smtp-relay")
	}
}

func TestLoginAuth(t *testing.T) {
	t.Parallel()

	a := LoginAuth("apikey", "SG.secret")
	mech, initial, err := a.Start(&smtp.ServerInfo{Name: "relay", Auth: []string{"PLAIN", "LOGIN"}})
	if err != nil || mech != "LOGIN" || initial != nil {
		t.Fatalf("Start: got %q, %q, %v", mech, initial, err)
	}
	if _, _, err := a.Start(&smtp.ServerInfo{Name: "relay", Auth: []string{"CRAM-MD5"}}); err == nil {
		t.Error("expected error when LOGIN is not advertised")
	}

	if resp, err := a.Next([]byte("Username:"), true); err != nil || string(resp) != "apikey" {
		t.Errorf("username challenge: got %q, %v", resp, err)
	}
	if resp, err := a.Next([]byte("Password:"), true); err != nil || string(resp) != "SG.secret" {
		t.Errorf("password challenge: got %q, %v", resp, err)
	}
	if _, err := a.Next([]byte("Realm:"), true); err == nil {
		t.Error("expected error for unknown challenge")
	}
}
