package net

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/taktv6/tflow2/convert"
)

// Prefix represents an IPv4 prefix
type Prefix struct {
	addr   uint32
	pfxlen uint8
}

// NewPfx creates a new Prefix
func NewPfx(addr uint32, pfxlen uint8) Prefix {
	return Prefix{
		addr:   addr,
		pfxlen: pfxlen,
	}
}

// PfxFromString parses a prefix in "a.b.c.d/len" notation
func PfxFromString(s string) (Prefix, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Prefix{}, fmt.Errorf("Invalid prefix: %q", s)
	}

	addr := net.ParseIP(parts[0])
	if addr == nil || addr.To4() == nil {
		return Prefix{}, fmt.Errorf("Invalid IPv4 address: %q", parts[0])
	}

	pfxlen, err := strconv.Atoi(parts[1])
	if err != nil || pfxlen < 0 || pfxlen > 32 {
		return Prefix{}, fmt.Errorf("Invalid prefix length: %q", parts[1])
	}

	return Prefix{
		addr:   convert.Uint32b(addr.To4()),
		pfxlen: uint8(pfxlen),
	}, nil
}

// Addr returns the address of the prefix
func (pfx Prefix) Addr() uint32 {
	return pfx.addr
}

// Pfxlen returns the length of the prefix
func (pfx Prefix) Pfxlen() uint8 {
	return pfx.pfxlen
}

// Bytes returns the four address bytes of the prefix, most significant first
func (pfx Prefix) Bytes() []byte {
	return convert.Uint32Byte(pfx.addr)
}

// String returns a string representation of pfx
func (pfx Prefix) String() string {
	return fmt.Sprintf("%s/%d", net.IP(convert.Uint32Byte(pfx.addr)), pfx.pfxlen)
}

// Equal checks if pfx and x are equal
func (pfx Prefix) Equal(x Prefix) bool {
	return pfx == x
}
