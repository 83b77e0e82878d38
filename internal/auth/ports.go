package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCallbackPorts are the provider's documented redirect ports, tried
// in order before falling back to an OS-assigned port.
var DefaultCallbackPorts = []int{3000, 3001, 3002}

const (
	// bindAttemptsPerPort bounds retries of a single candidate, absorbing
	// transient TIME_WAIT-style failures.
	bindAttemptsPerPort = 2
	// bindRetryDelay separates consecutive attempts on the same candidate.
	bindRetryDelay = 200 * time.Millisecond
)

// AcquireListener obtains a bound CallbackListener despite preferred ports
// being occupied. Each candidate port is tried up to bindAttemptsPerPort
// times; an address-in-use failure advances to the next candidate, any
// other failure aborts immediately. After the candidates an OS-assigned
// ephemeral port is tried as a final fallback. The bound listener and its
// port are returned.
func AcquireListener(candidates []int, callback CallbackFunc) (*CallbackListener, int, error) {
	if len(candidates) == 0 {
		candidates = DefaultCallbackPorts
	}

	// Port 0 means "let the OS choose any free port".
	ports := append(append([]int{}, candidates...), 0)

	var bindErrs []error
	for _, port := range ports {
		listener, boundPort, err := startWithRetry(port, callback)
		if err == nil {
			return listener, boundPort, nil
		}
		if !isAddrInUse(err) {
			var flowErr *FlowError
			if errors.As(err, &flowErr) {
				// Startup timeouts already carry their own kind.
				return nil, 0, err
			}
			return nil, 0, NewFlowError(KindPortBind, fmt.Sprintf("binding port %d failed", port), err)
		}
		log.Debugf("callback port %d in use, trying next candidate", port)
		bindErrs = append(bindErrs, fmt.Errorf("port %d: %w", port, err))
	}

	return nil, 0, NewFlowError(KindPortBind, "all callback port candidates exhausted", errors.Join(bindErrs...))
}

// startWithRetry starts a fresh listener on the given port, retrying a
// bounded number of times with a short delay between attempts.
func startWithRetry(port int, callback CallbackFunc) (*CallbackListener, int, error) {
	var lastErr error
	for attempt := 0; attempt < bindAttemptsPerPort; attempt++ {
		if attempt > 0 {
			time.Sleep(bindRetryDelay)
		}
		listener := NewCallbackListener(callback)
		boundPort, err := listener.Start(port)
		if err == nil {
			return listener, boundPort, nil
		}
		listener.Stop()
		lastErr = err
		if !isAddrInUse(err) {
			break
		}
	}
	return nil, 0, lastErr
}

// isAddrInUse reports whether err looks like an address-in-use bind
// failure.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage of each socket address")
}
