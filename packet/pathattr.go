package packet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/taktv6/tflow2/convert"
)

// NewPathAttribute creates an attribute for sending with the default
// flags of its type code. Attributes obtained from decode keep the
// flags they arrived with instead.
func NewPathAttribute(code AttrTypeCode, value interface{}) *PathAttribute {
	pa := &PathAttribute{
		TypeCode: code,
		Value:    value,
	}

	switch code {
	case OriginAttr, ASPathAttr, NextHopAttr:
		pa.Transitive = true
	case MEDAttr:
		pa.Optional = true
	case LocalPrefAttr:
		pa.Optional = true
		pa.Transitive = true
	}

	return pa
}

func decodePathAttrs(buf *bytes.Buffer, tpal uint16) ([]PathAttribute, error) {
	attrs := make([]PathAttribute, 0)

	p := uint16(0)
	for p < tpal {
		pa, consumed, err := decodePathAttr(buf)
		if err != nil {
			return nil, err
		}
		p += consumed
		attrs = append(attrs, *pa)
	}

	return attrs, nil
}

func decodePathAttr(buf *bytes.Buffer) (*PathAttribute, uint16, error) {
	pa := &PathAttribute{}

	err := decodePathAttrFlags(buf, pa)
	if err != nil {
		return nil, 0, asMalformedAttr(errors.Wrap(err, "Unable to get path attribute flags"))
	}

	err = decode(buf, []interface{}{&pa.TypeCode})
	if err != nil {
		return nil, 0, asMalformedAttr(err)
	}

	n, err := pa.setLength(buf)
	if err != nil {
		return nil, 0, asMalformedAttr(err)
	}
	consumed := uint16(2) + uint16(n) + pa.Length

	val := make([]byte, pa.Length)
	read, err := buf.Read(val)
	if pa.Length != 0 && (err != nil || read != int(pa.Length)) {
		return nil, 0, malformedAttrError(fmt.Sprintf("Path attribute %d truncated", pa.TypeCode))
	}

	switch pa.TypeCode {
	case OriginAttr:
		pa.Value, err = decodeOriginVal(val)
	case ASPathAttr:
		pa.Value, err = decodeASPathVal(val)
	case NextHopAttr:
		pa.Value, err = decodeIPv4Val(val)
	case MEDAttr:
		pa.Value, err = decodeUint32Val(val)
	case LocalPrefAttr:
		pa.Value, err = decodeUint32Val(val)
	case OriginatorAttr:
		pa.Value, err = decodeIPv4Val(val)
	case ClusterListAttr:
		pa.Value, err = decodeClusterListVal(val)
	case MPReachNLRIAttr:
		pa.Value, err = decodeMPReachNLRIVal(val)
	case MPUnreachNLRIAttr:
		pa.Value, err = decodeMPUnreachNLRIVal(val)
	case ExtCommunityAttr:
		pa.Value, err = decodeExtCommunityVal(val)
	default:
		// Unknown attribute. Kept verbatim so re-encoding is bit exact.
		pa.Value = val
	}

	if err != nil {
		return nil, 0, asMalformedAttr(errors.Wrapf(err, "Unable to decode attribute %d", pa.TypeCode))
	}

	return pa, consumed, nil
}

func decodeOriginVal(val []byte) (Origin, error) {
	if len(val) < 1 {
		return 0, errors.New("empty origin")
	}
	return Origin(val[0]), nil
}

func decodeASPathVal(val []byte) (ASPath, error) {
	aspath := make(ASPath, 0)

	idx := 0
	for idx < len(val) {
		if idx+2 > len(val) {
			return nil, errors.New("AS path segment header truncated")
		}
		segType := val[idx]
		count := int(val[idx+1])
		idx += 2

		if segType != ASSet && segType != ASSequence {
			return nil, BGPError{
				ErrorCode:    UpdateMessageError,
				ErrorSubCode: MalformedASPath,
				ErrorStr:     fmt.Sprintf("invalid AS path segment type: %d", segType),
			}
		}

		if count == 0 {
			return nil, BGPError{
				ErrorCode:    UpdateMessageError,
				ErrorSubCode: MalformedASPath,
				ErrorStr:     "empty AS path segment",
			}
		}

		if idx+2*count > len(val) {
			return nil, errors.New("AS path segment truncated")
		}

		segment := ASPathSegment{
			Type: segType,
			ASNs: make([]ASN16, 0, count),
		}
		for i := 0; i < count; i++ {
			segment.ASNs = append(segment.ASNs, ASN16(binary.BigEndian.Uint16(val[idx:idx+2])))
			idx += 2
		}
		aspath = append(aspath, segment)
	}

	return aspath, nil
}

func decodeIPv4Val(val []byte) (IPv4Addr, error) {
	var addr IPv4Addr
	if len(val) != 4 {
		return addr, errors.Errorf("invalid IPv4 value length: %d", len(val))
	}
	copy(addr[:], val)
	return addr, nil
}

func decodeUint32Val(val []byte) (uint32, error) {
	if len(val) < 4 {
		return 0, errors.Errorf("invalid uint32 value length: %d", len(val))
	}
	return binary.BigEndian.Uint32(val[:4]), nil
}

func decodeClusterListVal(val []byte) (ClusterList, error) {
	if len(val)%4 != 0 {
		return nil, errors.Errorf("invalid cluster list length: %d", len(val))
	}

	cl := make(ClusterList, 0, len(val)/4)
	for idx := 0; idx < len(val); idx += 4 {
		var addr IPv4Addr
		copy(addr[:], val[idx:idx+4])
		cl = append(cl, addr)
	}
	return cl, nil
}

func decodeMPReachNLRIVal(val []byte) (*MPReachNLRI, error) {
	if len(val) < 5 {
		return nil, errors.New("MP reach attribute truncated")
	}

	mp := &MPReachNLRI{
		AFI:  binary.BigEndian.Uint16(val[0:2]),
		SAFI: val[2],
	}

	nhlen := int(val[3])
	if len(val) < 4+nhlen+1 {
		return nil, errors.New("MP reach next hop truncated")
	}

	nh := val[4 : 4+nhlen]
	if mp.AFI == AFIIPv4 && mp.SAFI == SAFIVPNv4 {
		// the VPNv4 next hop carries a zero RD in front of the address
		if nhlen != 12 {
			return nil, errors.Errorf("invalid VPNv4 next hop length: %d", nhlen)
		}
		nh = nh[8:12]
	}
	mp.NextHop = append([]byte(nil), nh...)
	mp.Reserved = val[4+nhlen]

	rest := val[4+nhlen+1:]
	nlris, err := decodeNLRIs(bytes.NewBuffer(rest), uint16(len(rest)), mp.AFI, mp.SAFI)
	if err != nil {
		return nil, err
	}
	mp.NLRIs = nlris

	return mp, nil
}

func decodeMPUnreachNLRIVal(val []byte) (*MPUnreachNLRI, error) {
	if len(val) < 3 {
		return nil, errors.New("MP unreach attribute truncated")
	}

	mp := &MPUnreachNLRI{
		AFI:  binary.BigEndian.Uint16(val[0:2]),
		SAFI: val[2],
	}

	rest := val[3:]
	nlris, err := decodeNLRIs(bytes.NewBuffer(rest), uint16(len(rest)), mp.AFI, mp.SAFI)
	if err != nil {
		return nil, err
	}
	mp.NLRIs = nlris

	return mp, nil
}

func decodeExtCommunityVal(val []byte) (ExtCommunity, error) {
	if len(val)%8 != 0 {
		return nil, errors.Errorf("invalid extended community length: %d", len(val))
	}

	ec := make(ExtCommunity, 0, len(val)/8)
	for idx := 0; idx < len(val); idx += 8 {
		etype := val[idx]
		esubtype := val[idx+1]
		payload := val[idx+2 : idx+8]

		switch {
		case (etype == 0 || etype == 2) && esubtype == 2:
			asn := binary.BigEndian.Uint16(payload[0:2])
			num := binary.BigEndian.Uint32(payload[2:6])
			ec = append(ec, fmt.Sprintf("RT:%d:%d", asn, num))
		case etype == 1 && esubtype == 2:
			addr := IPv4Addr{payload[0], payload[1], payload[2], payload[3]}
			num := binary.BigEndian.Uint16(payload[4:6])
			ec = append(ec, fmt.Sprintf("RT:%s:%d", addr, num))
		default:
			ec = append(ec, fmt.Sprintf("%d:%x", etype, val[idx+1:idx+8]))
		}
	}

	return ec, nil
}

func (pa *PathAttribute) serialize(buf *bytes.Buffer) error {
	val, err := pa.packValue()
	if err != nil {
		return err
	}

	if len(val) > 255 {
		buf.WriteByte(pa.flagsByte(true))
		buf.WriteByte(uint8(pa.TypeCode))
		buf.Write(convert.Uint16Byte(uint16(len(val))))
	} else {
		buf.WriteByte(pa.flagsByte(false))
		buf.WriteByte(uint8(pa.TypeCode))
		buf.WriteByte(uint8(len(val)))
	}
	buf.Write(val)

	return nil
}

func (pa *PathAttribute) packValue() ([]byte, error) {
	switch pa.TypeCode {
	case OriginAttr:
		v, ok := pa.Value.(Origin)
		if !ok {
			return nil, packTypeError(pa)
		}
		return []byte{uint8(v)}, nil
	case ASPathAttr:
		v, ok := pa.Value.(ASPath)
		if !ok {
			return nil, packTypeError(pa)
		}
		return packASPath(v), nil
	case NextHopAttr, OriginatorAttr:
		v, ok := pa.Value.(IPv4Addr)
		if !ok {
			return nil, packTypeError(pa)
		}
		return v[:], nil
	case MEDAttr, LocalPrefAttr:
		v, ok := pa.Value.(uint32)
		if !ok {
			return nil, packTypeError(pa)
		}
		return convert.Uint32Byte(v), nil
	case ClusterListAttr:
		v, ok := pa.Value.(ClusterList)
		if !ok {
			return nil, packTypeError(pa)
		}
		out := make([]byte, 0, 4*len(v))
		for _, addr := range v {
			out = append(out, addr[:]...)
		}
		return out, nil
	case MPReachNLRIAttr:
		v, ok := pa.Value.(*MPReachNLRI)
		if !ok {
			return nil, packTypeError(pa)
		}
		return packMPReachNLRI(v)
	case MPUnreachNLRIAttr:
		v, ok := pa.Value.(*MPUnreachNLRI)
		if !ok {
			return nil, packTypeError(pa)
		}
		return packMPUnreachNLRI(v)
	case ExtCommunityAttr:
		v, ok := pa.Value.(ExtCommunity)
		if !ok {
			return nil, packTypeError(pa)
		}
		return packExtCommunity(v)
	default:
		v, ok := pa.Value.([]byte)
		if !ok {
			return nil, packTypeError(pa)
		}
		return v, nil
	}
}

func packTypeError(pa *PathAttribute) error {
	return errors.Errorf("Unable to pack attribute %d: unexpected value type %T", pa.TypeCode, pa.Value)
}

func packASPath(aspath ASPath) []byte {
	buf := bytes.NewBuffer(nil)
	for _, segment := range aspath {
		buf.WriteByte(segment.Type)
		buf.WriteByte(uint8(len(segment.ASNs)))
		for _, asn := range segment.ASNs {
			buf.Write(convert.Uint16Byte(uint16(asn)))
		}
	}
	return buf.Bytes()
}

func packMPReachNLRI(mp *MPReachNLRI) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write(convert.Uint16Byte(mp.AFI))
	buf.WriteByte(mp.SAFI)

	nh := mp.NextHop
	if mp.AFI == AFIIPv4 && mp.SAFI == SAFIVPNv4 {
		if len(mp.NextHop) != 4 {
			return nil, errors.Errorf("invalid VPNv4 next hop: %v", mp.NextHop)
		}
		nh = append(make([]byte, 8), mp.NextHop...)
	}
	buf.WriteByte(uint8(len(nh)))
	buf.Write(nh)
	buf.WriteByte(mp.Reserved)

	for _, n := range mp.NLRIs {
		if err := n.serialize(buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func packMPUnreachNLRI(mp *MPUnreachNLRI) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write(convert.Uint16Byte(mp.AFI))
	buf.WriteByte(mp.SAFI)

	for _, n := range mp.NLRIs {
		if err := n.serialize(buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func packExtCommunity(ec ExtCommunity) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	for _, comm := range ec {
		parts := strings.SplitN(comm, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("Invalid extended community: %q", comm)
		}

		if parts[0] == "RT" {
			rt := strings.SplitN(parts[1], ":", 2)
			if len(rt) != 2 {
				return nil, errors.Errorf("Invalid route target: %q", comm)
			}

			if strings.Contains(rt[0], ".") {
				addr, err := IPv4AddrFromString(rt[0])
				if err != nil {
					return nil, errors.Wrapf(err, "Invalid route target: %q", comm)
				}
				num, err := strconv.ParseUint(rt[1], 10, 16)
				if err != nil {
					return nil, errors.Wrapf(err, "Invalid route target: %q", comm)
				}
				buf.Write([]byte{1, 2})
				buf.Write(addr[:])
				buf.Write(convert.Uint16Byte(uint16(num)))
				continue
			}

			asn, err := strconv.ParseUint(rt[0], 10, 16)
			if err != nil {
				return nil, errors.Wrapf(err, "Invalid route target: %q", comm)
			}
			num, err := strconv.ParseUint(rt[1], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "Invalid route target: %q", comm)
			}
			buf.Write([]byte{0, 2})
			buf.Write(convert.Uint16Byte(uint16(asn)))
			buf.Write(convert.Uint32Byte(uint32(num)))
			continue
		}

		etype, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return nil, errors.Errorf("Invalid extended community type: %q", comm)
		}
		payload, err := hex.DecodeString(parts[1])
		if err != nil || len(payload) != 7 {
			return nil, errors.Errorf("Invalid extended community payload: %q", comm)
		}
		buf.WriteByte(uint8(etype))
		buf.Write(payload)
	}

	return buf.Bytes(), nil
}

func (pa *PathAttribute) flagsByte(extended bool) uint8 {
	var flags uint8
	if pa.Optional {
		flags |= OptionalFlag
	}
	if pa.Transitive {
		flags |= TransitiveFlag
	}
	if pa.Partial {
		flags |= PartialFlag
	}
	if extended {
		flags |= ExtendedLengthFlag
	}
	return flags
}

func (pa *PathAttribute) setLength(buf *bytes.Buffer) (int, error) {
	bytesRead := 0
	if pa.ExtendedLength {
		err := decode(buf, []interface{}{&pa.Length})
		if err != nil {
			return 0, err
		}
		bytesRead = 2
	} else {
		x := uint8(0)
		err := decode(buf, []interface{}{&x})
		if err != nil {
			return 0, err
		}
		pa.Length = uint16(x)
		bytesRead = 1
	}
	return bytesRead, nil
}

func decodePathAttrFlags(buf *bytes.Buffer, pa *PathAttribute) error {
	flags := uint8(0)
	err := decode(buf, []interface{}{&flags})
	if err != nil {
		return err
	}

	pa.Optional = isOptional(flags)
	pa.Transitive = isTransitive(flags)
	pa.Partial = isPartial(flags)
	pa.ExtendedLength = isExtendedLength(flags)

	return nil
}

func isOptional(x uint8) bool {
	return x&OptionalFlag == OptionalFlag
}

func isTransitive(x uint8) bool {
	return x&TransitiveFlag == TransitiveFlag
}

func isPartial(x uint8) bool {
	return x&PartialFlag == PartialFlag
}

func isExtendedLength(x uint8) bool {
	return x&ExtendedLengthFlag == ExtendedLengthFlag
}
