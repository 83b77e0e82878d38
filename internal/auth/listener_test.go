package auth

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// sendRequest dials the listener and sends a raw request, returning the
// full response text.
func sendRequest(t *testing.T, port int, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(request)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	response, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(response)
}

type capturedCallback struct {
	code  string
	state string
}

func TestListenerValidRedirect(t *testing.T) {
	t.Parallel()

	callbackCh := make(chan capturedCallback, 2)
	listener := NewCallbackListener(func(code, state string) {
		callbackCh <- capturedCallback{code: code, state: state}
	})
	defer listener.Stop()

	port, err := listener.Start(0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if port == 0 {
		t.Fatal("Start returned port 0")
	}

	response := sendRequest(t, port, "GET /callback?code=ABC123&state=xyz HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200 response, got %q", response[:40])
	}
	if !strings.Contains(response, "Connection: close") {
		t.Fatal("response missing Connection: close")
	}

	select {
	case got := <-callbackCh:
		if got.code != "ABC123" || got.state != "xyz" {
			t.Fatalf("callback got (%q, %q), want (ABC123, xyz)", got.code, got.state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestListenerRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request string
	}{
		{"wrong method", "POST /callback?code=abc HTTP/1.1\r\n\r\n"},
		{"wrong path", "GET /other?code=abc HTTP/1.1\r\n\r\n"},
		{"missing code", "GET /callback?state=xyz HTTP/1.1\r\n\r\n"},
		{"empty code", "GET /callback?code=&state=xyz HTTP/1.1\r\n\r\n"},
		{"not http", "garbage\r\n\r\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var invoked atomic.Bool
			listener := NewCallbackListener(func(code, state string) {
				invoked.Store(true)
			})
			defer listener.Stop()

			port, err := listener.Start(0)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}

			response := sendRequest(t, port, tt.request)
			if !strings.HasPrefix(response, "HTTP/1.1 400 Bad Request") {
				t.Fatalf("expected 400 response, got %q", response[:40])
			}
			if invoked.Load() {
				t.Fatal("callback invoked for invalid request")
			}
		})
	}
}

func TestListenerStateIsOptional(t *testing.T) {
	t.Parallel()

	callbackCh := make(chan capturedCallback, 1)
	listener := NewCallbackListener(func(code, state string) {
		callbackCh <- capturedCallback{code: code, state: state}
	})
	defer listener.Stop()

	port, err := listener.Start(0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	response := sendRequest(t, port, "GET /callback?code=onlycode HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200 response, got %q", response[:40])
	}

	got := <-callbackCh
	if got.code != "onlycode" || got.state != "" {
		t.Fatalf("callback got (%q, %q), want (onlycode, \"\")", got.code, got.state)
	}
}

func TestListenerInvokesCallbackOnce(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int32
	listener := NewCallbackListener(func(code, state string) {
		invocations.Add(1)
	})
	defer listener.Stop()

	port, err := listener.Start(0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sendRequest(t, port, "GET /callback?code=first HTTP/1.1\r\n\r\n")
	sendRequest(t, port, "GET /callback?code=second HTTP/1.1\r\n\r\n")

	time.Sleep(100 * time.Millisecond)
	if n := invocations.Load(); n != 1 {
		t.Fatalf("callback invoked %d times, want 1", n)
	}
}

func TestListenerPreferredPortConflict(t *testing.T) {
	t.Parallel()

	// Occupy a port, then ask the listener for the same one.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	listener := NewCallbackListener(nil)
	defer listener.Stop()

	if _, err = listener.Start(port); err == nil {
		t.Fatal("expected bind failure on occupied port")
	} else if !isAddrInUse(err) {
		t.Fatalf("expected address-in-use error, got %v", err)
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	listener := NewCallbackListener(nil)
	port, err := listener.Start(0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	listener.Stop()
	listener.Stop()
	listener.Stop()

	if _, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
	if listener.Port() != 0 {
		t.Fatal("Port() should be 0 after Stop")
	}
}

func TestListenerStartAfterStopFails(t *testing.T) {
	t.Parallel()

	listener := NewCallbackListener(nil)
	listener.Stop()
	if _, err := listener.Start(0); err == nil {
		t.Fatal("expected Start after Stop to fail")
	}
}
