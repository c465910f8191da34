package packet

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/taktv6/tflow2/convert"
)

// BGPError carries the RFC 4271 (code, subcode, data) triple for a
// protocol violation. Silent errors close the session without a
// NOTIFICATION being emitted.
type BGPError struct {
	ErrorCode    ErrorCode
	ErrorSubCode ErrorSubCode
	Data         []byte
	Silent       bool
	ErrorStr     string
}

func (e BGPError) Error() string {
	return fmt.Sprintf("%d/%d: %s", e.ErrorCode, e.ErrorSubCode, e.ErrorStr)
}

// NotSyncError reports a broken marker in the message header
func NotSyncError() BGPError {
	return BGPError{
		ErrorCode:    MessageHeaderError,
		ErrorSubCode: ConnectionNotSync,
		ErrorStr:     "connection not synchronized",
	}
}

// BadLenError reports a header length outside of [19, 4096]
func BadLenError(l uint16) BGPError {
	return BGPError{
		ErrorCode:    MessageHeaderError,
		ErrorSubCode: BadMessageLength,
		Data:         convert.Uint16Byte(l),
		ErrorStr:     fmt.Sprintf("invalid length in BGP header: %d", l),
	}
}

// BadMsgError reports an unknown message type
func BadMsgError(t uint8) BGPError {
	return BGPError{
		ErrorCode:    MessageHeaderError,
		ErrorSubCode: BadMessageType,
		Data:         []byte{t},
		ErrorStr:     fmt.Sprintf("invalid message type: %d", t),
	}
}

func malformedAttrError(reason string) BGPError {
	return BGPError{
		ErrorCode:    UpdateMessageError,
		ErrorSubCode: MalformedAttributeList,
		ErrorStr:     reason,
	}
}

// asMalformedAttr keeps BGPErrors as they are, unwrapping any context
// added along the way, and folds every other decode failure into the
// malformed attribute list family
func asMalformedAttr(err error) error {
	if err == nil {
		return nil
	}
	if bgperr, ok := errors.Cause(err).(BGPError); ok {
		return bgperr
	}
	return malformedAttrError(err.Error())
}
