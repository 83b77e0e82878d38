package auth

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// startupWait bounds how long Start blocks for the listener goroutine
	// to report ready or failed.
	startupWait = 3 * time.Second
	// maxRequestBytes caps how much of the redirect request is read.
	maxRequestBytes = 4096
	// readDeadline bounds how long a single accepted connection may take
	// to deliver its request line.
	readDeadline = 10 * time.Second
)

// CallbackFunc receives the authorization code and state extracted from a
// valid redirect. It is invoked at most once per listener lifetime.
type CallbackFunc func(code, state string)

// CallbackListener accepts a single OAuth authorization redirect on a
// loopback port. It is not a general HTTP server: only the request line of
// a GET to /callback is parsed, everything else is answered with a fixed
// error page. Connections from non-loopback peers are dropped without
// processing.
type CallbackListener struct {
	// mu protects listener, callback, and stopped.
	mu sync.Mutex
	// listener is the underlying TCP listener, nil once stopped.
	listener net.Listener
	// callback receives the first valid (code, state) pair.
	callback CallbackFunc
	// stopped is set once Stop has run.
	stopped bool
	// deliverOnce guarantees a single callback invocation per lifetime.
	deliverOnce sync.Once
}

// bindResult is the one-shot outcome of the asynchronous bind.
type bindResult struct {
	port int
	err  error
}

// NewCallbackListener creates a listener that will hand the first valid
// redirect to callback.
func NewCallbackListener(callback CallbackFunc) *CallbackListener {
	return &CallbackListener{callback: callback}
}

// Start binds the listener and begins accepting connections. It is
// synchronous from the caller's point of view: the bind happens on the
// listener goroutine and Start blocks until it reports ready or failed, or
// the startup wait elapses. preferredPort 0 requests an OS-assigned
// ephemeral port. The bound port is returned.
func (l *CallbackListener) Start(preferredPort int) (int, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0, fmt.Errorf("callback listener already stopped")
	}
	if l.listener != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("callback listener already started")
	}
	l.mu.Unlock()

	// Single-buffered so the first writer never blocks; later outcomes
	// are dropped.
	resultCh := make(chan bindResult, 1)

	go l.bindAndServe(preferredPort, resultCh)

	select {
	case result := <-resultCh:
		if result.err != nil {
			return 0, result.err
		}
		log.Debugf("callback listener bound on port %d", result.port)
		return result.port, nil
	case <-time.After(startupWait):
		l.Stop()
		return 0, NewFlowError(KindListenerStartupTimeout, "listener did not report ready in time", nil)
	}
}

// bindAndServe binds the loopback socket, signals the bind outcome exactly
// once, and runs the accept loop until the listener is closed.
func (l *CallbackListener) bindAndServe(preferredPort int, resultCh chan<- bindResult) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
	if err != nil {
		signalBind(resultCh, bindResult{err: err})
		return
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		_ = ln.Close()
		signalBind(resultCh, bindResult{err: fmt.Errorf("callback listener stopped during bind")})
		return
	}
	l.listener = ln
	l.mu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	signalBind(resultCh, bindResult{port: port})

	for {
		conn, errAccept := ln.Accept()
		if errAccept != nil {
			// Accept fails once the listener is closed by Stop.
			return
		}
		go l.handleConnection(conn)
	}
}

// signalBind delivers the bind outcome first-writer-wins; once the buffer
// holds a result, later writes are ignored.
func signalBind(resultCh chan<- bindResult, result bindResult) {
	select {
	case resultCh <- result:
	default:
	}
}

// handleConnection serves one accepted connection: verifies the peer is
// loopback, reads the request line, and answers with the fixed success or
// error page. A valid extraction triggers the registered callback.
func (l *CallbackListener) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	if !isLoopbackAddr(conn.RemoteAddr()) {
		log.Warnf("rejected callback connection from non-loopback peer %s", conn.RemoteAddr())
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	code, state, ok := readRedirect(conn)
	if !ok {
		writeResponse(conn, "400 Bad Request", CallbackErrorHTML)
		return
	}

	writeResponse(conn, "200 OK", CallbackSuccessHTML)

	l.deliverOnce.Do(func() {
		l.mu.Lock()
		callback := l.callback
		l.mu.Unlock()
		if callback != nil {
			callback(code, state)
		}
	})
}

// readRedirect reads at most maxRequestBytes from conn and extracts the
// authorization code and state from the request line. It reports ok=false
// for anything that is not a GET to /callback with a non-empty code
// parameter. The state parameter is passed through as-is; validating it is
// the session controller's job.
func readRedirect(conn net.Conn) (code, state string, ok bool) {
	buf := make([]byte, 0, maxRequestBytes)
	chunk := make([]byte, 512)
	for len(buf) < maxRequestBytes && !strings.Contains(string(buf), "\r\n") {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	line, _, found := strings.Cut(string(buf), "\r\n")
	if !found {
		return "", "", false
	}

	// Request line: METHOD target HTTP/version
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] != "GET" || !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", false
	}

	target, err := url.Parse(parts[1])
	if err != nil || target.Path != "/callback" {
		return "", "", false
	}

	query := target.Query()
	code = query.Get("code")
	if code == "" {
		return "", "", false
	}
	return code, query.Get("state"), true
}

// writeResponse sends a minimal HTTP response and leaves the connection to
// be closed by the caller. Connection: close is set on every response.
func writeResponse(conn net.Conn, status, body string) {
	response := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", status, len(body), body)
	if _, err := conn.Write([]byte(response)); err != nil {
		log.Debugf("failed to write callback response: %v", err)
	}
}

// isLoopbackAddr reports whether addr belongs to the local host.
func isLoopbackAddr(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Stop closes the listener and clears the registered callback. It is
// idempotent and safe to call from any point in the flow, including while
// a redirect is in flight; a late-arriving connection is simply refused.
func (l *CallbackListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = true
	l.callback = nil
	if l.listener != nil {
		_ = l.listener.Close()
		l.listener = nil
	}
}

// Port returns the bound port, or 0 when the listener is not running.
func (l *CallbackListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return 0
	}
	if tcpAddr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}
