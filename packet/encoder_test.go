package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeKeepaliveMsg(t *testing.T) {
	out, err := EncodeKeepaliveMsg()

	assert.Nil(t, err)
	assert.Equal(t, framed(KeepaliveMsg, nil), out)
	assert.Equal(t, 19, len(out))
}

func TestEncodeNotificationMsg(t *testing.T) {
	tests := []struct {
		name     string
		msg      *BGPNotification
		expected []byte
	}{
		{
			name:     "Not synchronized",
			msg:      &BGPNotification{ErrorCode: MessageHeaderError, ErrorSubcode: ConnectionNotSync},
			expected: framed(NotificationMsg, []byte{1, 1}),
		},
		{
			name: "Bad length with data",
			msg: &BGPNotification{
				ErrorCode:    MessageHeaderError,
				ErrorSubcode: BadMessageLength,
				Data:         []byte{0x00, 0x12},
			},
			expected: framed(NotificationMsg, []byte{1, 2, 0x00, 0x12}),
		},
	}

	for _, test := range tests {
		out, err := EncodeNotificationMsg(test.msg)
		assert.Nil(t, err)
		assert.Equal(t, test.expected, out, test.name)
	}
}

func TestEncodeOpenMsg(t *testing.T) {
	msg := &BGPOpen{
		Version:       4,
		AS:            0xaabb,
		HoldTime:      255,
		BGPIdentifier: 0xc0a80101,
	}

	out, err := EncodeOpenMsg(msg)

	assert.Nil(t, err)
	assert.Equal(t, framed(OpenMsg, []byte{0x04, 0xaa, 0xbb, 0x00, 0xff, 192, 168, 1, 1, 0x00}), out)
}

func TestEncodeOpenMsgCapabilities(t *testing.T) {
	msg := &BGPOpen{
		Version:       4,
		AS:            0xfc44,
		HoldTime:      90,
		BGPIdentifier: 0xc0a80101,
		Capabilities: []Capability{
			{Code: MultiProtocolCapCode, Value: MultiProtocolCap{AFI: AFIIPv4, SAFI: SAFIVPNv4}},
			{Code: RouteRefreshCapCode},
		},
	}

	out, err := EncodeOpenMsg(msg)

	assert.Nil(t, err)
	assert.Equal(t, framed(OpenMsg, []byte{
		0x04, 0xfc, 0x44, 0x00, 0x5a, 192, 168, 1, 1, 0x0c,
		0x02, 0x06, 0x01, 0x04, 0x00, 0x01, 0x00, 0x80,
		0x02, 0x02, 0x02, 0x00,
	}), out)
}

func TestEncodeDispatch(t *testing.T) {
	keepalive, err := Encode(&BGPMessage{})
	assert.Nil(t, err)
	assert.Equal(t, framed(KeepaliveMsg, nil), keepalive)

	notification, err := Encode(&BGPMessage{Body: &BGPNotification{ErrorCode: Cease}})
	assert.Nil(t, err)
	assert.Equal(t, framed(NotificationMsg, []byte{6, 0}), notification)

	_, err = Encode(&BGPMessage{Body: "nonsense"})
	assert.NotNil(t, err)
}

// the framed output of any message is its body plus the 19 byte header
// and passes Decode unharmed
func TestFramingLaw(t *testing.T) {
	msg := &BGPUpdate{
		PathAttributes: []PathAttribute{
			*NewPathAttribute(OriginAttr, Origin(IGP)),
			*NewPathAttribute(NextHopAttr, IPv4Addr{10, 0, 0, 1}),
		},
		NLRI: []NLRI{{Prefix: mustPfx("10.11.12.0/24")}},
	}

	out, err := EncodeUpdateMsg(msg)
	assert.Nil(t, err)

	bodyLen := 2 + 2 + 4 + 7 + 4
	assert.Equal(t, 19+bodyLen, len(out))

	decoded, err := Decode(bytes.NewBuffer(out))
	assert.Nil(t, err)
	assert.Equal(t, MsgType(UpdateMsg), decoded.Header.Type)
	assert.Equal(t, MsgLength(19+bodyLen), decoded.Header.Length)
}
