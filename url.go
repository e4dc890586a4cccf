package mqttquic

import (
	"fmt"
	"strings"
)

const scheme = "mqtt-quic://"

// parseAddr splits an mqtt-quic://HOST:PORT URL into its host and port,
// per spec.md §6: host and port are extracted by splitting on the first
// ':' after the scheme, deliberately not using net/url's general-purpose
// parser since this transport has no path, query, or userinfo component.
func parseAddr(raw string) (host, port string, err error) {
	if !strings.HasPrefix(raw, scheme) {
		return "", "", fmt.Errorf("mqttquic: %q missing %q scheme", raw, scheme)
	}
	rest := raw[len(scheme):]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("mqttquic: %q missing host:port", raw)
	}
	host = rest[:idx]
	port = rest[idx+1:]
	if host == "" {
		return "", "", fmt.Errorf("mqttquic: %q has empty host", raw)
	}
	if port == "" {
		return "", "", fmt.Errorf("mqttquic: %q has empty port", raw)
	}
	return host, port, nil
}
