package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openscribe/scribelink/internal/credentials"
)

// Status identifies the current phase of an authentication session.
type Status string

// Session states. Connected, failed, and cancelled are terminal.
const (
	StatusIdle             Status = "idle"
	StatusAuthenticating   Status = "authenticating"
	StatusAwaitingCallback Status = "awaiting_callback"
	StatusExchanging       Status = "exchanging"
	StatusConnected        Status = "connected"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

const (
	// DefaultProviderID keys the stored credential for the default provider.
	DefaultProviderID = "scribe-cloud"
	// DefaultAuthorizationURL is the provider's authorization endpoint.
	DefaultAuthorizationURL = "https://cloud.scribe.app/oauth/authorize"
	// DefaultSessionTimeout bounds how long a session may wait for the
	// redirect and code exchange before failing.
	DefaultSessionTimeout = 180 * time.Second
)

// ProviderClient exchanges an authorization code for an API credential.
// The network client is an external collaborator; the controller never
// retries its calls.
type ProviderClient interface {
	ExchangeCodeForKey(ctx context.Context, code, verifier string) (*credentials.Credential, error)
}

// CredentialStore persists provider credentials.
type CredentialStore interface {
	Save(cred *credentials.Credential, providerID string) error
	Get(providerID string) (*credentials.Credential, error)
	Has(providerID string) bool
	Delete(providerID string) error
}

// Events receives session lifecycle notifications. Callbacks are issued
// synchronously after the corresponding state transition, outside the
// controller lock.
type Events interface {
	AuthenticationStarted()
	AuthenticationCompleted()
	AuthenticationFailed(reason error)
	Disconnected()
}

// noopEvents is substituted when the caller provides no event sink.
type noopEvents struct{}

func (noopEvents) AuthenticationStarted() {}

func (noopEvents) AuthenticationCompleted() {}

func (noopEvents) AuthenticationFailed(error) {}

func (noopEvents) Disconnected() {}

// ControllerOptions configures a Controller. Zero values select the
// provider defaults.
type ControllerOptions struct {
	// ProviderID keys the persisted credential.
	ProviderID string
	// AuthorizationURL overrides the provider's authorization endpoint.
	AuthorizationURL string
	// CallbackPorts overrides the preferred loopback ports.
	CallbackPorts []int
	// SessionTimeout overrides the 180-second session timeout.
	SessionTimeout time.Duration
	// OpenBrowser opens the authorization URL; nil disables the hand-off
	// so the caller can present the URL itself.
	OpenBrowser func(url string) error
	// Events receives lifecycle notifications.
	Events Events
}

// Controller owns at most one authentication session at a time and drives
// it through the PKCE flow: crypto material generation, listener startup,
// browser hand-off, callback validation, code exchange, and credential
// persistence. All session state is guarded by a single mutex; the timeout
// task, the callback path, and user cancellation race through it and
// whichever reaches a terminal transition first wins. The losers observe a
// terminal status and mutate nothing.
type Controller struct {
	client ProviderClient
	store  CredentialStore
	opts   ControllerOptions

	mu           sync.Mutex
	status       Status
	codeVerifier string
	stateToken   string
	authURL      string
	listener     *CallbackListener
	timeoutTimer *time.Timer
	done         chan struct{}
	lastErr      error
}

// NewController creates a session controller with the given collaborators.
func NewController(client ProviderClient, store CredentialStore, opts ControllerOptions) *Controller {
	if opts.ProviderID == "" {
		opts.ProviderID = DefaultProviderID
	}
	if opts.AuthorizationURL == "" {
		opts.AuthorizationURL = DefaultAuthorizationURL
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Events == nil {
		opts.Events = noopEvents{}
	}
	return &Controller{
		client: client,
		store:  store,
		opts:   opts,
		status: StatusIdle,
	}
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error that drove the most recent failed transition.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// StartAuthentication begins a new session: it generates the PKCE material
// and CSRF state, binds a loopback listener, opens the browser on the
// authorization URL, and arms the session timeout. The authorization URL
// is returned so callers can present it when the browser hand-off is
// disabled. Starting while a session is already active is a no-op
// returning the active session's URL.
func (c *Controller) StartAuthentication(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	switch c.status {
	case StatusAuthenticating, StatusAwaitingCallback, StatusExchanging:
		authURL := c.authURL
		c.mu.Unlock()
		log.Debug("authentication already in progress, ignoring start")
		return authURL, nil
	}
	c.teardownLocked()

	pkce := GeneratePKCECodes()
	c.codeVerifier = pkce.CodeVerifier
	c.stateToken = GenerateState()
	c.status = StatusAuthenticating
	c.lastErr = nil
	c.authURL = ""
	c.done = make(chan struct{})
	stateToken := c.stateToken
	challenge := pkce.CodeChallenge
	c.mu.Unlock()

	listener, port, err := AcquireListener(c.opts.CallbackPorts, c.dispatchCallback)
	if err != nil {
		c.failSession(err)
		return "", err
	}

	authURL, err := c.buildAuthorizationURL(port, challenge, stateToken)
	if err != nil {
		listener.Stop()
		c.failSession(err)
		return "", err
	}

	c.mu.Lock()
	if c.status != StatusAuthenticating {
		// Cancelled while the port was being acquired.
		c.mu.Unlock()
		listener.Stop()
		return "", nil
	}
	c.listener = listener
	c.authURL = authURL
	c.mu.Unlock()

	if c.opts.OpenBrowser != nil {
		if err = c.opts.OpenBrowser(authURL); err != nil {
			flowErr := NewFlowError(KindBrowserLaunch, "failed to open system browser", err)
			c.failSession(flowErr)
			return authURL, flowErr
		}
	}

	c.mu.Lock()
	if c.status != StatusAuthenticating {
		c.mu.Unlock()
		return authURL, nil
	}
	c.status = StatusAwaitingCallback
	// The session clock starts only after the browser hand-off succeeded.
	c.timeoutTimer = time.AfterFunc(c.opts.SessionTimeout, c.handleTimeout)
	c.mu.Unlock()

	log.WithField("port", port).Info("authentication started, awaiting callback")
	c.opts.Events.AuthenticationStarted()
	return authURL, nil
}

// dispatchCallback is the listener's delivery point. It re-enters the
// controller's lock before touching session state, so a callback racing a
// cancellation observes a terminal session and does nothing.
func (c *Controller) dispatchCallback(code, state string) {
	if err := c.HandleCallback(code, state); err != nil {
		log.Debugf("callback rejected: %v", err)
	}
}

// HandleCallback consumes the (code, state) pair delivered by the
// listener: it validates the CSRF state, exchanges the code for a
// credential, persists it, and transitions to connected. Any validation or
// exchange failure is terminal and clears all session secrets.
func (c *Controller) HandleCallback(code, state string) error {
	c.mu.Lock()
	if c.status != StatusAwaitingCallback {
		c.mu.Unlock()
		return NewFlowError(KindSessionExpired, "no active session awaiting a callback", nil)
	}

	c.stopTimeoutLocked()
	c.stopListenerLocked()

	storedState := c.stateToken
	verifier := c.codeVerifier
	if storedState == "" || verifier == "" || state != storedState {
		c.clearSecretsLocked()
		flowErr := NewFlowError(KindCSRFValidation, "state token mismatch or missing", nil)
		c.finishLocked(StatusFailed, flowErr)
		c.mu.Unlock()
		log.Warn("callback state validation failed")
		c.opts.Events.AuthenticationFailed(flowErr)
		return flowErr
	}

	c.status = StatusExchanging
	done := c.done
	c.mu.Unlock()

	// Cancellation or timeout closes done and aborts an in-flight
	// exchange through the derived context.
	exchangeCtx, cancelExchange := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
		case <-exchangeCtx.Done():
		}
		cancelExchange()
	}()

	cred, exchangeErr := c.client.ExchangeCodeForKey(exchangeCtx, code, verifier)
	cancelExchange()

	c.mu.Lock()
	// Verifier and state are single-use; drop them as soon as the
	// exchange call has been issued, success or not.
	c.clearSecretsLocked()

	if c.status != StatusExchanging {
		// Timeout or cancellation won the race while the exchange was in
		// flight; that transition already finished the session.
		c.mu.Unlock()
		return nil
	}

	if exchangeErr != nil {
		flowErr := NewFlowError(KindCodeExchange, "provider code exchange failed", exchangeErr)
		c.finishLocked(StatusFailed, flowErr)
		c.mu.Unlock()
		c.opts.Events.AuthenticationFailed(flowErr)
		return flowErr
	}

	if saveErr := c.store.Save(cred, c.opts.ProviderID); saveErr != nil {
		flowErr := NewFlowError(KindCodeExchange, "failed to persist credential", saveErr)
		c.finishLocked(StatusFailed, flowErr)
		c.mu.Unlock()
		c.opts.Events.AuthenticationFailed(flowErr)
		return flowErr
	}

	c.finishLocked(StatusConnected, nil)
	c.mu.Unlock()

	log.Info("authentication completed, credential stored")
	c.opts.Events.AuthenticationCompleted()
	return nil
}

// CancelAuthentication aborts the active session, if any: the timeout is
// disarmed, the listener stopped, and all session secrets cleared. It is
// callable from any state without error.
func (c *Controller) CancelAuthentication() {
	c.mu.Lock()
	switch c.status {
	case StatusAuthenticating, StatusAwaitingCallback, StatusExchanging:
	default:
		c.mu.Unlock()
		return
	}
	c.stopTimeoutLocked()
	c.stopListenerLocked()
	c.clearSecretsLocked()
	c.finishLocked(StatusCancelled, nil)
	c.mu.Unlock()

	log.Info("authentication cancelled")
}

// handleTimeout fires when the session exceeds its deadline. It behaves
// like a cancellation followed by a timeout-specific failure.
func (c *Controller) handleTimeout() {
	c.mu.Lock()
	switch c.status {
	case StatusAwaitingCallback, StatusExchanging:
	default:
		// A terminal transition won the race; nothing left to do.
		c.mu.Unlock()
		return
	}
	c.stopTimeoutLocked()
	c.stopListenerLocked()
	c.clearSecretsLocked()
	flowErr := NewFlowError(KindAuthTimeout, "no authorization callback before the session deadline", nil)
	c.finishLocked(StatusFailed, flowErr)
	c.mu.Unlock()

	log.Warn("authentication timed out")
	c.opts.Events.AuthenticationFailed(flowErr)
}

// Disconnect deletes the stored credential. It is independent of the state
// machine and succeeds regardless of any in-flight session.
func (c *Controller) Disconnect() error {
	if err := c.store.Delete(c.opts.ProviderID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	log.Info("provider credential removed")
	c.opts.Events.Disconnected()
	return nil
}

// IsConnected reports whether a credential is stored for the provider.
func (c *Controller) IsConnected() bool {
	return c.store.Has(c.opts.ProviderID)
}

// Wait blocks until the current session reaches a terminal state or ctx is
// done. It returns the terminal status and the failure, if any.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	done := c.done
	status := c.status
	lastErr := c.lastErr
	c.mu.Unlock()
	if done == nil {
		return status, lastErr
	}
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.status, c.lastErr
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// buildAuthorizationURL assembles the provider authorization URL embedding
// the challenge, challenge method, CSRF state, and loopback callback URL.
func (c *Controller) buildAuthorizationURL(port int, challenge, state string) (string, error) {
	base, err := url.Parse(c.opts.AuthorizationURL)
	if err != nil {
		return "", NewFlowError(KindURLConstruction, "invalid authorization endpoint", err)
	}
	params := url.Values{
		"callback_url":          {fmt.Sprintf("http://localhost:%d/callback", port)},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// failSession transitions an in-flight session to failed outside the main
// callback path, e.g. port acquisition or browser launch failures during
// startup. The timeout is never armed on these paths.
func (c *Controller) failSession(err error) {
	c.mu.Lock()
	switch c.status {
	case StatusAuthenticating, StatusAwaitingCallback, StatusExchanging:
	default:
		c.mu.Unlock()
		return
	}
	c.stopTimeoutLocked()
	c.stopListenerLocked()
	c.clearSecretsLocked()
	c.finishLocked(StatusFailed, err)
	c.mu.Unlock()

	log.Errorf("authentication failed: %v", err)
	c.opts.Events.AuthenticationFailed(err)
}

// finishLocked records a terminal transition and releases waiters. The
// caller holds the lock and has already stopped the listener and cleared
// the secrets.
func (c *Controller) finishLocked(status Status, err error) {
	c.status = status
	c.lastErr = err
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

// teardownLocked releases any stale session resources before a new session
// starts.
func (c *Controller) teardownLocked() {
	c.stopTimeoutLocked()
	c.stopListenerLocked()
	c.clearSecretsLocked()
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.status = StatusIdle
}

// clearSecretsLocked drops the verifier and state token. Terminal
// transitions clear exactly once on each path; clearing already-empty
// secrets is harmless.
func (c *Controller) clearSecretsLocked() {
	c.codeVerifier = ""
	c.stateToken = ""
}

func (c *Controller) stopTimeoutLocked() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
}

func (c *Controller) stopListenerLocked() {
	if c.listener != nil {
		c.listener.Stop()
		c.listener = nil
	}
}
