package haleader

import (
	"fmt"
	"net"
)

// SelfHostPorts returns the global unicast addresses of the host joined
// with port, suitable for a contender choosing which address to announce.
func SelfHostPorts(port string) ([]string, error) {
	ips, ipsErr := localUnicastIPs()
	if ipsErr != nil {
		return nil, ipsErr
	}
	hostPorts := make([]string, 0, len(ips))
	for _, ip := range ips {
		hostPorts = append(hostPorts, net.JoinHostPort(ip.String(), port))
	}
	return hostPorts, nil
}

// localUnicastIPs enumerates the global unicast addresses of the local
// interfaces.
func localUnicastIPs() ([]net.IP, error) {
	addresses, addrErr := net.InterfaceAddrs()
	if addrErr != nil {
		return nil, fmt.Errorf("unable to get self IP addresses: %w", addrErr)
	}

	var selfIPs []net.IP
	for _, addr := range addresses {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP.To4()
			if ip == nil {
				ip = v.IP.To16()
			}
		}
		if ip != nil && ip.IsGlobalUnicast() {
			selfIPs = append(selfIPs, ip)
		}
	}

	return selfIPs, nil
}
