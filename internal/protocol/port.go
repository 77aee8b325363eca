package protocol

import (
	"fmt"
	"net"
)

// DefaultPortBase base of the port convention
const DefaultPortBase = 50000

// DefaultPort derives the device port from its IPv4 address:
// 50000 + ((octet3*100 + octet4) mod 10000)
func DefaultPort(ip string) (int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("invalid ip %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("default port needs an IPv4 address, got %q", ip)
	}
	return DefaultPortBase + (int(v4[2])*100+int(v4[3]))%10000, nil
}
