// Package transport builds the net.Listeners and net.Conn dialers the
// RPC layer binds to, addressed by "unix:///path" and "tcp://HOST:PORT"
// (bracketed "[::1]" for v6) URIs.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/netutil"
)

// Listen binds a listener for uri ("unix:///path", "tcp://host:port",
// or "tcp6://[::1]:port"), wrapping it with TCP keepalives and an
// optional connection cap. maxConns <= 0 means unlimited.
func Listen(uri string, maxConns int) (net.Listener, error) {
	scheme, addr, err := parseListenURI(uri)
	if err != nil {
		return nil, err
	}

	var l net.Listener
	switch scheme {
	case "unix":
		l, err = newUnixListener(addr)
	case "tcp":
		l, err = net.Listen("tcp", addr)
	case "tcp6":
		l, err = net.Listen("tcp6", addr)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q in %q", scheme, uri)
	}
	if err != nil {
		return nil, err
	}

	if scheme != "unix" {
		l = newKeepaliveListener(l)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return l, nil
}

// parseListenURI splits a listen URI into its scheme and dial/listen
// address. For "tcp"/"tcp6" the address is the host:port part; for
// "unix" it is the filesystem path.
func parseListenURI(uri string) (scheme, addr string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("transport: invalid listen URI %q: %w", uri, err)
	}
	scheme = u.Scheme
	switch scheme {
	case "unix":
		addr = u.Path
		if addr == "" {
			addr = u.Opaque
		}
	case "tcp", "tcp6":
		addr = u.Host
	default:
		return "", "", fmt.Errorf("transport: unsupported scheme %q in %q", scheme, uri)
	}
	if addr == "" {
		return "", "", fmt.Errorf("transport: missing address in %q", uri)
	}
	return scheme, addr, nil
}

// newUnixListener removes any stale socket file at addr before binding,
// and removes it again on Close so a restarted daemon can re-bind.
func newUnixListener(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	return &unixListener{Listener: l}, nil
}

type unixListener struct{ net.Listener }

func (ul *unixListener) Close() error {
	if err := os.Remove(ul.Addr().String()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return ul.Listener.Close()
}

type keepAliveConn interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(d time.Duration) error
}

func newKeepaliveListener(l net.Listener) net.Listener {
	return &keepaliveListener{Listener: l}
}

type keepaliveListener struct{ net.Listener }

func (kln *keepaliveListener) Accept() (net.Conn, error) {
	c, err := kln.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if kac, ok := c.(keepAliveConn); ok {
		kac.SetKeepAlive(true)
		kac.SetKeepAlivePeriod(30 * time.Second)
	}
	return c, nil
}

// Dial connects to a remote Apteryx instance named by uri, for use by
// the RPC client and by proxy forwarding.
func Dial(uri string, timeout time.Duration) (net.Conn, error) {
	scheme, addr, err := parseListenURI(uri)
	if err != nil {
		return nil, err
	}
	network := scheme
	if scheme == "tcp6" {
		network = "tcp"
	}
	return net.DialTimeout(network, addr, timeout)
}

// IsProxyURI reports whether value looks like a proxy target
// ("unix://..." or "tcp://...") rather than a plain pattern.
func IsProxyURI(value string) bool {
	return strings.HasPrefix(value, "unix://") || strings.HasPrefix(value, "tcp://") || strings.HasPrefix(value, "tcp6://")
}
