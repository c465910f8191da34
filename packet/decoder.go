package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Decode decodes a BGP message
func Decode(buf *bytes.Buffer) (*BGPMessage, error) {
	hdr, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	body, err := decodeMsgBody(buf, hdr.Type, uint16(hdr.Length)-MinLen)
	if err != nil {
		return nil, err
	}

	return &BGPMessage{
		Header: hdr,
		Body:   body,
	}, nil
}

func decodeMsgBody(buf *bytes.Buffer, msgType MsgType, l uint16) (interface{}, error) {
	switch msgType {
	case OpenMsg:
		return decodeOpenMsg(buf, l)
	case UpdateMsg:
		return decodeUpdateMsg(buf, l)
	case KeepaliveMsg:
		return nil, nil // Nothing to decode in Keepalive message
	case NotificationMsg:
		return decodeNotificationMsg(buf, l)
	}
	return nil, BadMsgError(uint8(msgType))
}

func decodeUpdateMsg(buf *bytes.Buffer, l uint16) (*BGPUpdate, error) {
	msg := &BGPUpdate{}

	withdrawnLen := uint16(0)
	err := decode(buf, []interface{}{&withdrawnLen})
	if err != nil {
		return nil, asMalformedAttr(err)
	}

	msg.WithdrawnRoutes, err = decodeNLRIs(buf, withdrawnLen, AFIIPv4, SAFIUnicast)
	if err != nil {
		return nil, asMalformedAttr(err)
	}

	totalPathAttrLen := uint16(0)
	err = decode(buf, []interface{}{&totalPathAttrLen})
	if err != nil {
		return nil, asMalformedAttr(err)
	}

	msg.PathAttributes, err = decodePathAttrs(buf, totalPathAttrLen)
	if err != nil {
		return nil, asMalformedAttr(err)
	}

	nlriLen := l - 4 - totalPathAttrLen - withdrawnLen
	if nlriLen > 0 {
		msg.NLRI, err = decodeNLRIs(buf, nlriLen, AFIIPv4, SAFIUnicast)
		if err != nil {
			return nil, asMalformedAttr(err)
		}
	}

	return msg, nil
}

func decodeNotificationMsg(buf *bytes.Buffer, l uint16) (*BGPNotification, error) {
	if l < 2 {
		return nil, fmt.Errorf("Notification message too short: %d", l)
	}

	msg := &BGPNotification{}

	fields := []interface{}{
		&msg.ErrorCode,
		&msg.ErrorSubcode,
	}

	err := decode(buf, fields)
	if err != nil {
		return nil, err
	}

	if msg.ErrorCode == 0 || msg.ErrorCode > Cease {
		return nil, fmt.Errorf("Invalid error code: %d", msg.ErrorCode)
	}

	if l > 2 {
		msg.Data = make([]byte, l-2)
		n, err := buf.Read(msg.Data)
		if err != nil || n != int(l-2) {
			return nil, fmt.Errorf("Unable to read notification data")
		}
	}

	return msg, nil
}

func decodeOpenMsg(buf *bytes.Buffer, l uint16) (*BGPOpen, error) {
	if l < 10 {
		return nil, fmt.Errorf("Open message too short: %d", l)
	}

	msg := &BGPOpen{}

	paramLen := uint8(0)
	fields := []interface{}{
		&msg.Version,
		&msg.AS,
		&msg.HoldTime,
		&msg.BGPIdentifier,
		&paramLen,
	}

	err := decode(buf, fields)
	if err != nil {
		return nil, err
	}

	err = validateOpen(msg)
	if err != nil {
		return nil, err
	}

	if l < 10+uint16(paramLen) {
		return nil, fmt.Errorf("Open message too short for optional parameters: %d", l)
	}

	params := make([]byte, paramLen)
	if paramLen > 0 {
		n, err := buf.Read(params)
		if err != nil || n != int(paramLen) {
			return nil, fmt.Errorf("Unable to read optional parameters")
		}
	}

	return msg, decodeOptParams(msg, params)
}

func decodeOptParams(msg *BGPOpen, params []byte) error {
	idx := 0
	for idx < len(params) {
		if idx+2 > len(params) {
			return fmt.Errorf("Optional parameter header truncated")
		}
		ptype := params[idx]
		plen := int(params[idx+1])
		idx += 2

		if idx+plen > len(params) {
			return fmt.Errorf("Optional parameter truncated")
		}
		value := params[idx : idx+plen]
		idx += plen

		if ptype != CapabilitiesParam {
			msg.OptParams = append(msg.OptParams, OptParam{Type: ptype, Value: append([]byte(nil), value...)})
			continue
		}

		caps, err := decodeCapabilities(value)
		if err != nil {
			return err
		}
		msg.Capabilities = append(msg.Capabilities, caps...)
	}

	return nil
}

func decodeCapabilities(value []byte) ([]Capability, error) {
	caps := make([]Capability, 0)

	idx := 0
	for idx < len(value) {
		if idx+2 > len(value) {
			return nil, fmt.Errorf("Capability header truncated")
		}
		code := CapabilityCode(value[idx])
		clen := int(value[idx+1])
		idx += 2

		if idx+clen > len(value) {
			return nil, fmt.Errorf("Capability truncated")
		}
		cval := value[idx : idx+clen]
		idx += clen

		c := Capability{Code: code}
		switch code {
		case MultiProtocolCapCode:
			// AFI(2) Reserved(1) SAFI(1) per RFC 4760
			if clen != 4 {
				return nil, fmt.Errorf("Invalid multiprotocol capability length: %d", clen)
			}
			c.Value = MultiProtocolCap{
				AFI:  binary.BigEndian.Uint16(cval[0:2]),
				SAFI: cval[3],
			}
		case RouteRefreshCapCode:
			// empty value
		case FourByteASNCapCode:
			if clen != 4 {
				return nil, fmt.Errorf("Invalid 4 byte ASN capability length: %d", clen)
			}
			c.Value = ASN32(binary.BigEndian.Uint32(cval))
		default:
			c.Value = append([]byte(nil), cval...)
		}

		caps = append(caps, c)
	}

	return caps, nil
}

func validateOpen(msg *BGPOpen) error {
	if msg.Version != BGP4Version {
		return BGPError{
			ErrorCode:    OpenMessageError,
			ErrorSubCode: UnsupportedVersionNumber,
			ErrorStr:     fmt.Sprintf("Unsupported version number: %d", msg.Version),
		}
	}
	return nil
}

func decodeHeader(buf *bytes.Buffer) (*BGPHeader, error) {
	hdr := &BGPHeader{}

	marker := make([]byte, MarkerLen)
	n, err := buf.Read(marker)
	if err != nil || n != MarkerLen {
		return nil, BGPError{
			ErrorCode: Cease,
			Silent:    true,
			ErrorStr:  "Unable to read marker",
		}
	}

	for i := range marker {
		if marker[i] != 0xff {
			return nil, NotSyncError()
		}
	}

	fields := []interface{}{
		&hdr.Length,
		&hdr.Type,
	}

	err = decode(buf, fields)
	if err != nil {
		return nil, BGPError{
			ErrorCode: Cease,
			Silent:    true,
			ErrorStr:  err.Error(),
		}
	}

	if hdr.Length < MinLen || hdr.Length > MaxLen {
		return nil, BadLenError(uint16(hdr.Length))
	}

	if hdr.Type > KeepaliveMsg || hdr.Type == 0 {
		return nil, BadMsgError(uint8(hdr.Type))
	}

	return hdr, nil
}

func decode(buf *bytes.Buffer, fields []interface{}) error {
	var err error
	for _, field := range fields {
		err = binary.Read(buf, binary.BigEndian, field)
		if err != nil {
			return fmt.Errorf("Unable to read from buffer: %v", err)
		}
	}
	return nil
}
