package server

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// dialMulticastSend opens a UDP socket for sending to the given multicast
// group and, when ttl>0, sets the outgoing multicast TTL to ttl via
// golang.org/x/net/ipv4; ttl<=0 leaves the OS default in place.
func dialMulticastSend(group net.IP, port uint16, ttl int) (*net.UDPConn, error) {
	v4 := group.To4()
	if v4 == nil || v4[0] < 224 {
		return nil, fmt.Errorf("multicast group %s is not a valid IPv4 multicast address", group)
	}

	remote := &net.UDPAddr{IP: group, Port: int(port)}
	conn, err := net.DialUDP("udp4", nil, remote)
	if err != nil {
		return nil, err
	}

	if ttl > 0 {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
	}

	return conn, nil
}
