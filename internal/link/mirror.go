package link

import (
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// UDPMirror copies the outbound stream to a UDP destination for a networked
// host during bring-up.
type UDPMirror struct {
	dest string
	conn udpConn
}

func NewUDPMirror(dest string) (*UDPMirror, error) {
	return newUDPMirror(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDPMirror(dest string, resolve resolveFunc, dial dialFunc) (*UDPMirror, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPMirror{dest: dest, conn: conn}, nil
}

func (m *UDPMirror) Dest() string { return m.dest }

func (m *UDPMirror) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := m.conn.Write(p)
	return err
}

func (m *UDPMirror) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
