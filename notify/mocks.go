package notify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"warden/core"
)

// MockTransport records notifications and can be told to fail or stall
type MockTransport struct {
	mu    sync.Mutex
	sent  []core.Notification
	err   error
	delay time.Duration
	calls int
}

// NewMockTransport creates a transport that accepts everything
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// SetError makes every Send fail with err (nil to recover)
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SetDelay stalls every Send; the stall honours ctx
func (m *MockTransport) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Send implements core.NotificationTransport
func (m *MockTransport) Send(ctx context.Context, n core.Notification) error {
	m.mu.Lock()
	m.calls++
	delay, err := m.delay, m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the delivered notifications
func (m *MockTransport) Sent() []core.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// Calls returns the number of Send invocations, failed ones included
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CapturedEmail is one message received by MockSMTPServer
type CapturedEmail struct {
	From    string
	To      []string
	Headers map[string]string
	Body    string
}

// MockSMTPServer speaks just enough plain SMTP for EmailTransport tests.
// It advertises neither STARTTLS nor AUTH.
type MockSMTPServer struct {
	listener net.Listener
	mu       sync.Mutex
	messages []CapturedEmail
	wg       sync.WaitGroup
}

// NewMockSMTPServer listens on a random loopback port
func NewMockSMTPServer() (*MockSMTPServer, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	m := &MockSMTPServer{listener: l}
	m.wg.Add(1)
	go m.serve()
	return m, nil
}

func (m *MockSMTPServer) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handle(conn)
		}()
	}
}

func (m *MockSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	reply("220 mock-smtp ESMTP")
	r := bufio.NewReader(conn)
	var msg CapturedEmail
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO"):
			reply("250-mock-smtp", "250 8BITMIME")
		case strings.HasPrefix(upper, "HELO"):
			reply("250 mock-smtp")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			msg = CapturedEmail{From: extractAddress(line), Headers: make(map[string]string)}
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			msg.To = append(msg.To, extractAddress(line))
			reply("250 OK")
		case upper == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			m.readData(r, &msg)
			m.mu.Lock()
			m.messages = append(m.messages, msg)
			m.mu.Unlock()
			reply("250 OK")
		case upper == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (m *MockSMTPServer) readData(r *bufio.Reader, msg *CapturedEmail) {
	var body strings.Builder
	inBody := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			msg.Body = strings.TrimSuffix(body.String(), "\n")
			return
		}
		line = strings.TrimPrefix(line, ".")
		if !inBody {
			if line == "" {
				inBody = true
				continue
			}
			if k, v, ok := strings.Cut(line, ":"); ok {
				msg.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
}

// Messages returns a copy of the captured messages
func (m *MockSMTPServer) Messages() []CapturedEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapturedEmail, len(m.messages))
	copy(out, m.messages)
	return out
}

// HostPort returns the listening host and port
func (m *MockSMTPServer) HostPort() (string, int) {
	addr := m.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close stops the server and waits for open sessions
func (m *MockSMTPServer) Close() error {
	err := m.listener.Close()
	m.wg.Wait()
	return err
}

func extractAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end > start {
		return line[start+1 : end]
	}
	if _, addr, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(addr)
	}
	return ""
}
