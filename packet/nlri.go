package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/taktv6/tflow2/convert"

	bnet "github.com/plajjan/vbgp/net"
)

// withdrawLabel is the in-band three byte label value a peer uses in
// place of a label stack when withdrawing a VPNv4 route
var withdrawLabel = [3]byte{0x80, 0x00, 0x00}

// NLRI is a single reachability entry. Either a plain IPv4 prefix or,
// for AFI 1 / SAFI 128, a VPNv4 entry.
type NLRI struct {
	Prefix bnet.Prefix
	VPNv4  *VPNv4NLRI
}

// VPNv4NLRI is an MPLS labeled VPN-IPv4 entry. Withdraw is set instead
// of a label stack when the entry was sent with the withdraw label.
type VPNv4NLRI struct {
	Labels   []uint32
	Withdraw bool
	RD       string
	Prefix   bnet.Prefix
}

func (v *VPNv4NLRI) String() string {
	return fmt.Sprintf("%s:%s", v.RD, v.Prefix.String())
}

func numOctets(bits int) int {
	return (bits + 7) / OctetLen
}

// decodeNLRIs consumes length bytes from buf and parses them as a
// sequence of prefixes of the given address family
func decodeNLRIs(buf *bytes.Buffer, length uint16, afi uint16, safi uint8) ([]NLRI, error) {
	nlris := make([]NLRI, 0)

	p := uint16(0)
	for p < length {
		plen, err := buf.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read prefix length")
		}
		p++

		nb := numOctets(int(plen))
		val := make([]byte, nb)
		n, err := buf.Read(val)
		if nb != 0 && (err != nil || n != nb) {
			return nil, errors.New("NLRI truncated")
		}
		p += uint16(nb)

		if afi == AFIIPv4 && safi == SAFIVPNv4 {
			v, err := decodeVPNv4NLRI(plen, val)
			if err != nil {
				return nil, errors.Wrap(err, "Unable to decode VPNv4 NLRI")
			}
			nlris = append(nlris, NLRI{VPNv4: v})
			continue
		}

		if plen > 32 {
			return nil, errors.Errorf("Invalid IPv4 prefix length: %d", plen)
		}

		var addr [4]byte
		copy(addr[:], val)
		nlris = append(nlris, NLRI{Prefix: bnet.NewPfx(convert.Uint32b(addr[:]), plen)})
	}

	return nlris, nil
}

// decodeVPNv4NLRI parses one length-prefixed VPNv4 unit. plen is the
// total bit count covering labels, route distinguisher and prefix.
func decodeVPNv4NLRI(plen uint8, val []byte) (*VPNv4NLRI, error) {
	if plen == 0 {
		return &VPNv4NLRI{RD: "0:0"}, nil
	}

	v := &VPNv4NLRI{}
	bits := int(plen)
	idx := 0

	for {
		if idx+3 > len(val) {
			return nil, errors.New("label stack exceeds NLRI")
		}
		g := val[idx : idx+3]
		idx += 3
		bits -= 24

		if g[0] == withdrawLabel[0] && g[1] == withdrawLabel[1] && g[2] == withdrawLabel[2] {
			v.Withdraw = true
			break
		}

		label := uint32(g[0])<<16 | uint32(g[1])<<8 | uint32(g[2])
		v.Labels = append(v.Labels, label>>4)
		if label&1 == 1 {
			break
		}
	}

	if bits < 64 || idx+8 > len(val) {
		return nil, errors.New("missing route distinguisher")
	}
	v.RD = decodeRD(val[idx : idx+8])
	idx += 8
	bits -= 64

	if bits > 32 {
		return nil, errors.Errorf("Invalid VPNv4 prefix length: %d", bits)
	}

	nb := numOctets(bits)
	if idx+nb > len(val) {
		return nil, errors.New("VPNv4 prefix truncated")
	}

	var addr [4]byte
	copy(addr[:], val[idx:idx+nb])
	v.Prefix = bnet.NewPfx(convert.Uint32b(addr[:]), uint8(bits))

	return v, nil
}

func (n NLRI) serialize(buf *bytes.Buffer) error {
	if n.VPNv4 != nil {
		return n.VPNv4.serialize(buf)
	}

	plen := n.Prefix.Pfxlen()
	buf.WriteByte(plen)
	buf.Write(n.Prefix.Bytes()[:numOctets(int(plen))])
	return nil
}

func (v *VPNv4NLRI) serialize(buf *bytes.Buffer) error {
	if !v.Withdraw && len(v.Labels) == 0 {
		buf.WriteByte(0)
		return nil
	}

	body := bytes.NewBuffer(nil)
	bits := 0

	if v.Withdraw {
		body.Write(withdrawLabel[:])
		bits += 24
	} else {
		for i, l := range v.Labels {
			x := l << 4
			if i == len(v.Labels)-1 {
				x |= 1
			}
			body.Write([]byte{byte(x >> 16), byte(x >> 8), byte(x)})
			bits += 24
		}
	}

	rd, err := serializeRD(v.RD)
	if err != nil {
		return err
	}
	body.Write(rd)
	bits += 64

	plen := int(v.Prefix.Pfxlen())
	bits += plen
	body.Write(v.Prefix.Bytes()[:numOctets(plen)])

	if bits > 255 {
		return errors.Errorf("VPNv4 NLRI exceeds 255 bits: %d", bits)
	}

	buf.WriteByte(uint8(bits))
	buf.Write(body.Bytes())
	return nil
}

// decodeRD renders an 8 byte route distinguisher in its textual form:
// "A.B.C.D:N" for type 1, "M:N" for type 0
func decodeRD(b []byte) string {
	typ := binary.BigEndian.Uint16(b[:2])
	if typ == 1 {
		addr := IPv4Addr{b[2], b[3], b[4], b[5]}
		return fmt.Sprintf("%s:%d", addr, binary.BigEndian.Uint16(b[6:8]))
	}
	return fmt.Sprintf("%d:%d", binary.BigEndian.Uint16(b[2:4]), binary.BigEndian.Uint32(b[4:8]))
}

func serializeRD(rd string) ([]byte, error) {
	parts := strings.SplitN(rd, ":", 2)
	if len(parts) != 2 {
		return nil, errors.Errorf("Invalid route distinguisher: %q", rd)
	}

	out := make([]byte, 8)

	if strings.Contains(parts[0], ".") {
		addr, err := IPv4AddrFromString(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid route distinguisher: %q", rd)
		}
		num, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid route distinguisher: %q", rd)
		}
		binary.BigEndian.PutUint16(out[0:2], 1)
		copy(out[2:6], addr[:])
		binary.BigEndian.PutUint16(out[6:8], uint16(num))
		return out, nil
	}

	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid route distinguisher: %q", rd)
	}
	num, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid route distinguisher: %q", rd)
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(asn))
	binary.BigEndian.PutUint32(out[4:8], uint32(num))
	return out, nil
}
