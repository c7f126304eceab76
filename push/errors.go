package push

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// isTransientNetworkError reports whether a per-endpoint send error is worth
// retrying: timeouts, connection resets, refused connections, and temporary
// DNS failures. Anything else is treated as fatal for the endpoint.
func isTransientNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
