package session

import (
	"log/slog"
	"net"
	"time"
)

// dialFunc is a variable so tests can inject a mock dialer.
var dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// LocalIP returns the address of the interface used for outbound traffic.
// A UDP "connection" sends no packets; it only selects a route. On failure
// the loopback address is returned.
func LocalIP() string {
	conn, err := dialFunc("udp", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		slog.Warn("session: could not determine local address, using loopback", "err", err)
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	slog.Warn("session: unexpected local address, using loopback", "addr", conn.LocalAddr().String())
	return "127.0.0.1"
}
