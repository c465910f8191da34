package packet

import (
	"bytes"
	"fmt"

	"github.com/taktv6/tflow2/convert"
)

// Encode serializes a full BGP message including the 19 byte header.
// The message kind is derived from the body; a nil body encodes a
// KEEPALIVE.
func Encode(msg *BGPMessage) ([]byte, error) {
	switch body := msg.Body.(type) {
	case *BGPOpen:
		return EncodeOpenMsg(body)
	case *BGPUpdate:
		return EncodeUpdateMsg(body)
	case *BGPNotification:
		return EncodeNotificationMsg(body)
	case nil:
		return EncodeKeepaliveMsg()
	}
	return nil, fmt.Errorf("Unknown message body type: %T", msg.Body)
}

func EncodeKeepaliveMsg() ([]byte, error) {
	keepaliveLen := uint16(HeaderLen)
	buf := bytes.NewBuffer(make([]byte, 0, keepaliveLen))
	err := encodeHeader(buf, keepaliveLen, KeepaliveMsg)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func EncodeNotificationMsg(msg *BGPNotification) ([]byte, error) {
	notificationLen := uint16(HeaderLen + 2 + len(msg.Data))
	buf := bytes.NewBuffer(make([]byte, 0, notificationLen))
	err := encodeHeader(buf, notificationLen, NotificationMsg)
	if err != nil {
		return nil, err
	}

	buf.WriteByte(uint8(msg.ErrorCode))
	buf.WriteByte(uint8(msg.ErrorSubcode))
	buf.Write(msg.Data)

	return buf.Bytes(), nil
}

func EncodeOpenMsg(msg *BGPOpen) ([]byte, error) {
	params, err := encodeOptParams(msg)
	if err != nil {
		return nil, err
	}

	openLen := uint16(HeaderLen + 10 + len(params))
	buf := bytes.NewBuffer(make([]byte, 0, openLen))
	err = encodeHeader(buf, openLen, OpenMsg)
	if err != nil {
		return nil, err
	}

	buf.WriteByte(uint8(msg.Version))
	buf.Write(convert.Uint16Byte(uint16(msg.AS)))
	buf.Write(convert.Uint16Byte(uint16(msg.HoldTime)))
	buf.Write(convert.Uint32Byte(uint32(msg.BGPIdentifier)))
	buf.WriteByte(uint8(len(params)))
	buf.Write(params)

	return buf.Bytes(), nil
}

func encodeOptParams(msg *BGPOpen) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	for _, p := range msg.OptParams {
		buf.WriteByte(p.Type)
		buf.WriteByte(uint8(len(p.Value)))
		buf.Write(p.Value)
	}

	// one capabilities envelope per capability, nesting preserved
	for _, c := range msg.Capabilities {
		cval, err := packCapabilityValue(c)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(CapabilitiesParam)
		buf.WriteByte(uint8(2 + len(cval)))
		buf.WriteByte(uint8(c.Code))
		buf.WriteByte(uint8(len(cval)))
		buf.Write(cval)
	}

	if buf.Len() > 255 {
		return nil, fmt.Errorf("Optional parameters too long: %d", buf.Len())
	}

	return buf.Bytes(), nil
}

func packCapabilityValue(c Capability) ([]byte, error) {
	switch v := c.Value.(type) {
	case MultiProtocolCap:
		out := make([]byte, 4)
		copy(out[0:2], convert.Uint16Byte(v.AFI))
		out[3] = v.SAFI
		return out, nil
	case ASN32:
		return convert.Uint32Byte(uint32(v)), nil
	case []byte:
		return v, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("Unknown capability value type: %T", c.Value)
}

func EncodeUpdateMsg(msg *BGPUpdate) ([]byte, error) {
	withdraws := bytes.NewBuffer(nil)
	for _, n := range msg.WithdrawnRoutes {
		if err := n.serialize(withdraws); err != nil {
			return nil, err
		}
	}

	attrs := bytes.NewBuffer(nil)
	for i := range msg.PathAttributes {
		if err := msg.PathAttributes[i].serialize(attrs); err != nil {
			return nil, err
		}
	}

	nlris := bytes.NewBuffer(nil)
	for _, n := range msg.NLRI {
		if err := n.serialize(nlris); err != nil {
			return nil, err
		}
	}

	bodyLen := 2 + withdraws.Len() + 2 + attrs.Len() + nlris.Len()
	updateLen := uint16(HeaderLen + bodyLen)
	if HeaderLen+bodyLen > MaxLen {
		return nil, fmt.Errorf("Update message too long: %d", HeaderLen+bodyLen)
	}

	buf := bytes.NewBuffer(make([]byte, 0, updateLen))
	err := encodeHeader(buf, updateLen, UpdateMsg)
	if err != nil {
		return nil, err
	}

	buf.Write(convert.Uint16Byte(uint16(withdraws.Len())))
	buf.Write(withdraws.Bytes())
	buf.Write(convert.Uint16Byte(uint16(attrs.Len())))
	buf.Write(attrs.Bytes())
	buf.Write(nlris.Bytes())

	return buf.Bytes(), nil
}

func encodeHeader(buf *bytes.Buffer, length uint16, typ uint8) error {
	for i := 0; i < MarkerLen; i++ {
		if err := buf.WriteByte(0xff); err != nil {
			return err
		}
	}

	if _, err := buf.Write(convert.Uint16Byte(length)); err != nil {
		return err
	}

	if err := buf.WriteByte(typ); err != nil {
		return err
	}

	return nil
}
