package session

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mudlink/mudlink/internal/logging"
)

const dialTimeout = 10 * time.Second

// dialTelnet connects to a MUD, attempting TLS first and falling back to
// plain TCP exactly once when the failure looks like "server does not speak
// TLS" rather than "server is unreachable".
func dialTelnet(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	netDialer := &net.Dialer{Timeout: dialTimeout}

	tlsDialer := &tls.Dialer{
		NetDialer: netDialer,
		Config: &tls.Config{
			ServerName: host,
			// MUD servers almost universally run self-signed certs. The
			// TLS layer here provides transport privacy, not identity.
			InsecureSkipVerify: true,
		},
	}

	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err == nil {
		logging.Debug("dial: TLS connection established to %s", addr)
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !tlsFallbackError(err) {
		return nil, err
	}

	logging.Debug("dial: TLS to %s failed (%v), retrying plain TCP", addr, err)
	return netDialer.DialContext(ctx, "tcp", addr)
}

// tlsFallbackError reports whether a TLS dial failure warrants a plain-TCP
// retry. Handshake-shaped errors mean the port is open but not TLS; resets
// and refusals are retried too since some servers slam non-TLS ports shut
// mid-handshake.
func tlsFallbackError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"tls",
		"ssl",
		"certificate",
		"wrong version number",
		"packet length",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
