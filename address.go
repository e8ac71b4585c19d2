// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"iter"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Address is a resolved socket address.
//
// The zero value is invalid. Address values are comparable and immutable.
type Address struct {
	// host is the name the caller asked for (may be empty or a literal).
	host string

	// ap is the resolved address and port.
	ap netip.AddrPort
}

// NewAddress returns an [Address] for the given host name and resolved endpoint.
func NewAddress(host string, ap netip.AddrPort) Address {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return Address{host: host, ap: netip.AddrPortFrom(addr, ap.Port())}
}

// Host returns the host name used to obtain this address.
func (a Address) Host() string {
	return a.host
}

// AddrPort returns the resolved IP address and port.
func (a Address) AddrPort() netip.AddrPort {
	return a.ap
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.ap.Port()
}

// IsValid returns whether the address was resolved.
func (a Address) IsValid() bool {
	return a.ap.IsValid()
}

// Family returns the socket family (AF_INET or AF_INET6).
func (a Address) Family() int {
	if a.ap.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// String returns the address in "ip:port" or "[ip]:port" form, or
// the empty string for the zero value.
func (a Address) String() string {
	if !a.ap.IsValid() {
		return ""
	}
	return a.ap.String()
}

// TCPAddr returns the address as a [*net.TCPAddr].
func (a Address) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(a.ap)
}

func (a Address) sockaddr() unix.Sockaddr {
	if a.ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(a.ap.Port()), Addr: a.ap.Addr().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(a.ap.Port()), Addr: a.ap.Addr().As16()}
	if zone := a.ap.Addr().Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa
}

func addressFromSockaddr(host string, sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Address{host: host, ap: netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))}
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(v.ZoneId), 10))
		}
		return Address{host: host, ap: netip.AddrPortFrom(addr, uint16(v.Port))}
	default:
		return Address{host: host}
	}
}

// AddressList is the ordered sequence of candidate addresses for one
// host and port, as returned by [*Resolver].
//
// The list is immutable and may be iterated any number of times, which is
// what makes connect retries across candidates restartable.
type AddressList struct {
	host  string
	port  uint16
	addrs []Address
}

// NewAddressList builds an [*AddressList] from already resolved addresses.
func NewAddressList(host string, port uint16, addrs ...netip.Addr) *AddressList {
	list := &AddressList{host: host, port: port}
	for _, addr := range addrs {
		list.addrs = append(list.addrs, NewAddress(host, netip.AddrPortFrom(addr, port)))
	}
	return list
}

// Host returns the host that was resolved.
func (l *AddressList) Host() string {
	return l.host
}

// Port returns the port that was resolved.
func (l *AddressList) Port() uint16 {
	return l.port
}

// Target returns the "host:port" string used in diagnostics.
func (l *AddressList) Target() string {
	return net.JoinHostPort(l.host, strconv.Itoa(int(l.port)))
}

// Len returns the number of candidates.
func (l *AddressList) Len() int {
	return len(l.addrs)
}

// At returns the i-th candidate.
func (l *AddressList) At(i int) Address {
	return l.addrs[i]
}

// All iterates over the candidates in resolver order.
func (l *AddressList) All() iter.Seq[Address] {
	return func(yield func(Address) bool) {
		for _, a := range l.addrs {
			if !yield(a) {
				return
			}
		}
	}
}
