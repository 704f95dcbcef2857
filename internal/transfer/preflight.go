package transfer

import (
	"context"
	"fmt"
	"net"
	"time"
)

// fallbackProbe is a well-known resolver reachable from anywhere; it tells a
// host-level outage apart from a dead network.
const fallbackProbe = "8.8.8.8:53"

// Preflight checks basic reachability before a batch of transfers. It tries
// a TCP connect to each host on port 443 and succeeds on the first one that
// answers. When every host fails it probes the fallback resolver so the
// returned error can say whether the network itself is down.
func Preflight(ctx context.Context, hosts []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	var lastErr error
	for _, host := range hosts {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	conn, err := dialer.DialContext(ctx, "tcp", fallbackProbe)
	if err != nil {
		return fmt.Errorf("network unreachable: %w", err)
	}
	conn.Close()
	return fmt.Errorf("media hosts unreachable (network is up): %w", lastErr)
}
