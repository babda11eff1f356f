package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IsIPv6 reports whether host is a literal IPv6 address. Surrounding
// brackets and a zone suffix are tolerated.
func IsIPv6(host string) bool {
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// BracketHost wraps a literal IPv6 address in brackets for use inside a URI.
// Other hosts pass through unchanged.
func BracketHost(host string) string {
	if IsIPv6(host) {
		return "[" + strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[") + "]"
	}
	return host
}

// HostPort joins host and port in URI form, bracketing IPv6 literals.
func HostPort(host string, port int) string {
	return net.JoinHostPort(strings.TrimPrefix(strings.TrimSuffix(host, "]"), "["), strconv.Itoa(port))
}

// ParseAddress splits "host:port", "[v6]:port", or a bare host. Port is 0
// when absent.
func ParseAddress(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("empty address")
	}

	if strings.HasPrefix(addr, "[") {
		end := strings.IndexByte(addr, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated bracket in %q", addr)
		}
		host := addr[1:end]
		rest := addr[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("malformed address %q", addr)
		}
		port, err := strconv.Atoi(rest[1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad port in %q", addr)
		}
		return host, port, nil
	}

	// A bare IPv6 literal has multiple colons and no brackets.
	if strings.Count(addr, ":") > 1 {
		return addr, 0, nil
	}

	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		port, err := strconv.Atoi(addr[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad port in %q", addr)
		}
		return addr[:i], port, nil
	}
	return addr, 0, nil
}

// OutboundIP discovers the local address the default route would use, by
// opening a connectionless UDP socket toward a public resolver. No packet is
// sent. With no default route it walks the interfaces for a global unicast
// address, and only then falls back to the loopback.
func OutboundIP(preferIPv6 bool) string {
	targets := []string{"8.8.8.8:80"}
	if preferIPv6 {
		targets = []string{"[2001:4860:4860::8888]:80", "8.8.8.8:80"}
	}
	for _, target := range targets {
		conn, err := net.Dial("udp", target)
		if err != nil {
			continue
		}
		addr := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		return addr.IP.String()
	}
	if ip := interfaceIP(preferIPv6); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func interfaceIP(preferIPv6 bool) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	first := ""
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		isV6 := ipnet.IP.To4() == nil
		if isV6 == preferIPv6 {
			return ipnet.IP.String()
		}
		if first == "" {
			first = ipnet.IP.String()
		}
	}
	return first
}
