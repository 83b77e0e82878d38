package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openscribe/scribelink/internal/credentials"
)

type exchangeCall struct {
	code     string
	verifier string
}

// fakeClient records exchange calls and returns a canned result.
type fakeClient struct {
	mu    sync.Mutex
	calls []exchangeCall
	cred  *credentials.Credential
	err   error
}

func (f *fakeClient) ExchangeCodeForKey(ctx context.Context, code, verifier string) (*credentials.Credential, error) {
	f.mu.Lock()
	f.calls = append(f.calls, exchangeCall{code: code, verifier: verifier})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memStore is an in-memory CredentialStore.
type memStore struct {
	mu      sync.Mutex
	creds   map[string]*credentials.Credential
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*credentials.Credential)}
}

func (s *memStore) Save(cred *credentials.Credential, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.creds[providerID] = cred
	return nil
}

func (s *memStore) Get(providerID string) (*credentials.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[providerID], nil
}

func (s *memStore) Has(providerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[providerID] != nil
}

func (s *memStore) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, providerID)
	return nil
}

// recordingEvents counts lifecycle notifications.
type recordingEvents struct {
	mu           sync.Mutex
	started      int
	completed    int
	disconnected int
	failures     []error
}

func (e *recordingEvents) AuthenticationStarted() {
	e.mu.Lock()
	e.started++
	e.mu.Unlock()
}

func (e *recordingEvents) AuthenticationCompleted() {
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
}

func (e *recordingEvents) AuthenticationFailed(reason error) {
	e.mu.Lock()
	e.failures = append(e.failures, reason)
	e.mu.Unlock()
}

func (e *recordingEvents) Disconnected() {
	e.mu.Lock()
	e.disconnected++
	e.mu.Unlock()
}

// newTestController wires a controller with fakes and no browser hand-off.
func newTestController(t *testing.T, client *fakeClient, store *memStore, events Events) *Controller {
	t.Helper()
	opts := ControllerOptions{
		// Ephemeral candidates keep tests independent of fixed ports.
		CallbackPorts: nil,
		Events:        events,
	}
	controller := NewController(client, store, opts)
	t.Cleanup(controller.CancelAuthentication)
	return controller
}

// sessionSecrets reads the controller's stored verifier and state token.
func sessionSecrets(c *Controller) (verifier, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeVerifier, c.stateToken
}

// callbackPort extracts the listener port from the authorization URL's
// callback_url parameter.
func callbackPort(t *testing.T, authURL string) int {
	t.Helper()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	callbackURL, err := url.Parse(parsed.Query().Get("callback_url"))
	if err != nil {
		t.Fatalf("parse callback url: %v", err)
	}
	port := 0
	if _, err = fmt.Sscanf(callbackURL.Port(), "%d", &port); err != nil {
		t.Fatalf("callback url %q has no port", callbackURL)
	}
	return port
}

func TestStartAuthenticationBuildsAuthorizationURL(t *testing.T) {
	t.Parallel()

	controller := newTestController(t, &fakeClient{}, newMemStore(), nil)

	authURL, err := controller.StartAuthentication(context.Background())
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	if controller.Status() != StatusAwaitingCallback {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusAwaitingCallback)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := parsed.Query()

	verifier, state := sessionSecrets(controller)
	if query.Get("code_challenge") != CodeChallenge(verifier) {
		t.Fatal("code_challenge does not match the session verifier")
	}
	if query.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", query.Get("code_challenge_method"))
	}
	if query.Get("state") != state {
		t.Fatal("state parameter does not match the session token")
	}
	callback := query.Get("callback_url")
	if callback != fmt.Sprintf("http://localhost:%d/callback", callbackPort(t, authURL)) {
		t.Fatalf("unexpected callback_url %q", callback)
	}
}

func TestStartAuthenticationIsIdempotentWhileActive(t *testing.T) {
	t.Parallel()

	events := &recordingEvents{}
	controller := newTestController(t, &fakeClient{}, newMemStore(), events)

	if _, err := controller.StartAuthentication(context.Background()); err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	_, stateBefore := sessionSecrets(controller)

	if _, err := controller.StartAuthentication(context.Background()); err != nil {
		t.Fatalf("second StartAuthentication: %v", err)
	}

	if _, stateAfter := sessionSecrets(controller); stateAfter != stateBefore {
		t.Fatal("double start regenerated session secrets")
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if events.started != 1 {
		t.Fatalf("started events = %d, want 1", events.started)
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{cred: &credentials.Credential{APIKey: "sk-test-key", Email: "user@example.com"}}
	store := newMemStore()
	events := &recordingEvents{}
	controller := newTestController(t, client, store, events)

	if _, err := controller.StartAuthentication(context.Background()); err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	verifier, state := sessionSecrets(controller)

	if err := controller.HandleCallback("ABC123", state); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if controller.Status() != StatusConnected {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusConnected)
	}

	client.mu.Lock()
	if len(client.calls) != 1 || client.calls[0].code != "ABC123" || client.calls[0].verifier != verifier {
		t.Fatalf("exchange called with %+v, want code ABC123 and the session verifier", client.calls)
	}
	client.mu.Unlock()

	stored, _ := store.Get(DefaultProviderID)
	if stored == nil || stored.APIKey != "sk-test-key" {
		t.Fatal("credential not persisted under the provider id")
	}

	if v, s := sessionSecrets(controller); v != "" || s != "" {
		t.Fatal("session secrets not cleared after terminal transition")
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if events.completed != 1 {
		t.Fatalf("completed events = %d, want 1", events.completed)
	}
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	t.Parallel()

	client := &fakeClient{cred: &credentials.Credential{APIKey: "sk"}}
	controller := newTestController(t, client, newMemStore(), nil)

	if _, err := controller.StartAuthentication(context.Background()); err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}

	err := controller.HandleCallback("ABC123", "forged-state")
	if !IsFlowKind(err, KindCSRFValidation) {
		t.Fatalf("err = %v, want CSRF validation failure", err)
	}
	if controller.Status() != StatusFailed {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusFailed)
	}
	if client.callCount() != 0 {
		t.Fatal("exchange must never run after a state mismatch")
	}
	if v, s := sessionSecrets(controller); v != "" || s != "" {
		t.Fatal("session secrets not cleared after CSRF failure")
	}
}

func TestHandleCallbackAfterCancelIsNoOp(t *testing.T) {
	t.Parallel()

	client := &fakeClient{cred: &credentials.Credential{APIKey: "sk"}}
	store := newMemStore()
	controller := newTestController(t, client, store, nil)

	authURL, err := controller.StartAuthentication(context.Background())
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	_, state := sessionSecrets(controller)
	port := callbackPort(t, authURL)

	controller.CancelAuthentication()
	if controller.Status() != StatusCancelled {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusCancelled)
	}

	// The listener is released synchronously by the cancellation.
	if _, errDial := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); errDial == nil {
		t.Fatal("listener still accepting after cancellation")
	}

	err = controller.HandleCallback("late-code", state)
	if !IsFlowKind(err, KindSessionExpired) {
		t.Fatalf("err = %v, want session expired", err)
	}
	if controller.Status() != StatusCancelled {
		t.Fatal("late callback mutated a terminal session")
	}
	if client.callCount() != 0 {
		t.Fatal("exchange must never run after cancellation")
	}
}

func TestSessionTimeout(t *testing.T) {
	t.Parallel()

	events := &recordingEvents{}
	controller := NewController(&fakeClient{}, newMemStore(), ControllerOptions{
		SessionTimeout: 100 * time.Millisecond,
		Events:         events,
	})
	t.Cleanup(controller.CancelAuthentication)

	authURL, err := controller.StartAuthentication(context.Background())
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	port := callbackPort(t, authURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, waitErr := controller.Wait(ctx)
	if status != StatusFailed {
		t.Fatalf("status = %s, want %s", status, StatusFailed)
	}
	if !IsFlowKind(waitErr, KindAuthTimeout) {
		t.Fatalf("err = %v, want authentication timeout", waitErr)
	}

	// The listener must be confirmed stopped after the timeout.
	if _, errDial := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); errDial == nil {
		t.Fatal("listener still accepting after timeout")
	}
	if v, s := sessionSecrets(controller); v != "" || s != "" {
		t.Fatal("session secrets not cleared after timeout")
	}
}

func TestExchangeFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{err: errors.New("upstream 500")}
	controller := newTestController(t, client, newMemStore(), nil)

	if _, err := controller.StartAuthentication(context.Background()); err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	_, state := sessionSecrets(controller)

	err := controller.HandleCallback("ABC123", state)
	if !IsFlowKind(err, KindCodeExchange) {
		t.Fatalf("err = %v, want code exchange failure", err)
	}
	if !IsFlowKind(controller.LastError(), KindCodeExchange) {
		t.Fatal("LastError does not surface the exchange failure")
	}
	if controller.Status() != StatusFailed {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusFailed)
	}
}

func TestBrowserLaunchFailureAbortsSession(t *testing.T) {
	t.Parallel()

	controller := NewController(&fakeClient{}, newMemStore(), ControllerOptions{
		OpenBrowser: func(string) error { return errors.New("no display") },
	})
	t.Cleanup(controller.CancelAuthentication)

	_, err := controller.StartAuthentication(context.Background())
	if !IsFlowKind(err, KindBrowserLaunch) {
		t.Fatalf("err = %v, want browser launch failure", err)
	}
	if controller.Status() != StatusFailed {
		t.Fatalf("status = %s, want %s", controller.Status(), StatusFailed)
	}
}

func TestEndToEndRedirectDelivery(t *testing.T) {
	t.Parallel()

	client := &fakeClient{cred: &credentials.Credential{APIKey: "sk-live-abc"}}
	store := newMemStore()
	controller := newTestController(t, client, store, nil)

	authURL, err := controller.StartAuthentication(context.Background())
	if err != nil {
		t.Fatalf("StartAuthentication: %v", err)
	}
	_, state := sessionSecrets(controller)
	port := callbackPort(t, authURL)

	// Deliver the redirect over a real loopback connection, as the
	// browser would.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	request := fmt.Sprintf("GET /callback?code=ABC123&state=%s HTTP/1.1\r\nHost: localhost\r\n\r\n", state)
	if _, err = conn.Write([]byte(request)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, waitErr := controller.Wait(ctx)
	if waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	if status != StatusConnected {
		t.Fatalf("status = %s, want %s", status, StatusConnected)
	}

	stored, _ := store.Get(DefaultProviderID)
	if stored == nil || stored.APIKey != "sk-live-abc" {
		t.Fatal("credential not persisted after end-to-end flow")
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_ = store.Save(&credentials.Credential{APIKey: "sk"}, DefaultProviderID)
	events := &recordingEvents{}
	controller := newTestController(t, &fakeClient{}, store, events)

	if !controller.IsConnected() {
		t.Fatal("expected stored credential before disconnect")
	}
	if err := controller.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if controller.IsConnected() {
		t.Fatal("credential still present after disconnect")
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if events.disconnected != 1 {
		t.Fatalf("disconnected events = %d, want 1", events.disconnected)
	}
}

func TestUserFriendlyMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"csrf", NewFlowError(KindCSRFValidation, "mismatch", nil), "Security validation failed. Please try again."},
		{"timeout", NewFlowError(KindAuthTimeout, "deadline", nil), "Authentication timed out. Please try again."},
		{"unknown", errors.New("boom"), "An unexpected error occurred. Please try again."},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := UserFriendlyMessage(tt.err); got != tt.expected {
				t.Fatalf("UserFriendlyMessage = %q, want %q", got, tt.expected)
			}
		})
	}
}
