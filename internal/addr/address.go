// Package addr implements the Shadowsocks address header: ATYP + address
// + big-endian port, as embedded in the first bytes of the decrypted
// client stream.
package addr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Type is the wire ATYP tag.
type Type byte

const (
	TypeIPv4   Type = 0x01
	TypeDomain Type = 0x03
	TypeIPv6   Type = 0x04
)

const (
	maxDomainLen = 255
	minDomainLen = 1
)

// ErrNeedMore indicates the buffer does not yet hold a complete header;
// the caller should wait for more bytes and retry.
var ErrNeedMore = errors.New("addr: need more data")

// ErrInvalid indicates the buffer can never parse into a valid header
// (bad ATYP, zero-length domain, or a malformed domain) — the connection
// that produced it MUST be dropped rather than retried or passed to DNS.
var ErrInvalid = errors.New("addr: invalid address header")

// Address is the parsed Shadowsocks target address.
type Address struct {
	Type Type
	IP   net.IP // set for TypeIPv4/TypeIPv6
	Host string // set for TypeDomain
	Port uint16
}

// String renders "host:port" the way the rest of the relay (dialing,
// stats keying, log lines) expects it.
func (a Address) String() string {
	host := a.Host
	if a.Type != TypeDomain {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// Hostname returns the string to resolve/dial: the literal IP for
// IPv4/IPv6, or the domain name for TypeDomain.
func (a Address) Hostname() string {
	if a.Type == TypeDomain {
		return a.Host
	}
	return a.IP.String()
}

// Parse attempts to decode a Shadowsocks address header from the front of
// buf. On success it returns the Address and the number of bytes
// consumed. On a truncated-but-plausible header it returns ErrNeedMore.
// On an unknown ATYP, zero-length domain, or invalid domain bytes it
// returns ErrInvalid — per spec, the connection must be dropped, never
// retried.
func Parse(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrNeedMore
	}
	switch Type(buf[0]) {
	case TypeIPv4:
		const n = 1 + net.IPv4len + 2
		if len(buf) < n {
			return Address{}, 0, ErrNeedMore
		}
		ip := make(net.IP, net.IPv4len)
		copy(ip, buf[1:1+net.IPv4len])
		port := binary.BigEndian.Uint16(buf[1+net.IPv4len : n])
		return Address{Type: TypeIPv4, IP: ip, Port: port}, n, nil

	case TypeIPv6:
		const n = 1 + net.IPv6len + 2
		if len(buf) < n {
			return Address{}, 0, ErrNeedMore
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, buf[1:1+net.IPv6len])
		port := binary.BigEndian.Uint16(buf[1+net.IPv6len : n])
		return Address{Type: TypeIPv6, IP: ip, Port: port}, n, nil

	case TypeDomain:
		if len(buf) < 2 {
			return Address{}, 0, ErrNeedMore
		}
		domainLen := int(buf[1])
		if domainLen < minDomainLen || domainLen > maxDomainLen {
			return Address{}, 0, ErrInvalid
		}
		n := 2 + domainLen + 2
		if len(buf) < n {
			return Address{}, 0, ErrNeedMore
		}
		domain := buf[2 : 2+domainLen]
		if !isSafeHostname(domain) {
			return Address{}, 0, ErrInvalid
		}
		port := binary.BigEndian.Uint16(buf[2+domainLen : n])
		return Address{Type: TypeDomain, Host: string(domain), Port: port}, n, nil

	default:
		return Address{}, 0, ErrInvalid
	}
}

// isSafeHostname rejects bytes that can never appear in a legitimate
// DNS label or IP literal, so garbage never reaches the Resolver.
func isSafeHostname(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_' || c == ':':
		default:
			return false
		}
	}
	return true
}

// Encode builds the wire header for host:port. It chooses TypeIPv4 or
// TypeIPv6 when host parses as a literal IP address, otherwise TypeDomain.
func Encode(host string, port uint16) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			buf := make([]byte, 1+net.IPv4len+2)
			buf[0] = byte(TypeIPv4)
			copy(buf[1:], v4)
			binary.BigEndian.PutUint16(buf[1+net.IPv4len:], port)
			return buf, nil
		}
		v6 := ip.To16()
		buf := make([]byte, 1+net.IPv6len+2)
		buf[0] = byte(TypeIPv6)
		copy(buf[1:], v6)
		binary.BigEndian.PutUint16(buf[1+net.IPv6len:], port)
		return buf, nil
	}

	if len(host) < minDomainLen || len(host) > maxDomainLen {
		return nil, fmt.Errorf("addr: domain length %d out of range", len(host))
	}
	buf := make([]byte, 2+len(host)+2)
	buf[0] = byte(TypeDomain)
	buf[1] = byte(len(host))
	copy(buf[2:], host)
	binary.BigEndian.PutUint16(buf[2+len(host):], port)
	return buf, nil
}
