package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker checks that a component accepts connections, such as
// containerd's or kube-proxy's listener
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: DefaultTimeout,
	}
}

// Check dials the address once
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return finish(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	conn.Close()
	return finish(start, true, "connected to "+t.Address)
}

// Type returns the check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
