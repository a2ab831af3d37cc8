package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
)

// ErrUntagged is returned by Decode for well-formed frames without a "msg"
// field, such as the server_id greeting. Callers ignore them.
var ErrUntagged = apperrors.ProtocolError("frame has no msg field", nil)

// Encode serialises m with its kind injected as the leading "msg" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, apperrors.ProtocolError("encode "+m.Kind(), err)
	}
	out := make([]byte, 0, len(body)+len(m.Kind())+10)
	out = append(out, `{"msg":`...)
	out = append(out, quote(m.Kind())...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a frame into its concrete variant.
func Decode(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return nil, apperrors.ProtocolError("frame is not valid JSON", nil)
	}
	kind := gjson.GetBytes(frame, "msg")
	if !kind.Exists() {
		return nil, ErrUntagged
	}

	var m Message
	switch kind.String() {
	case KindConnect:
		m = &Connect{}
	case KindConnected:
		m = &Connected{}
	case KindFailed:
		m = &Failed{}
	case KindPing:
		m = &Ping{}
	case KindPong:
		m = &Pong{}
	case KindMethod:
		m = &Method{}
	case KindResult:
		m = &Result{}
	case KindSub:
		m = &Sub{}
	case KindUnsub:
		m = &Unsub{}
	case KindReady:
		m = &Ready{}
	case KindNoSub:
		m = &NoSub{}
	case KindAdded:
		m = &Added{}
	case KindChanged:
		m = &Changed{}
	case KindRemoved:
		m = &Removed{}
	default:
		return nil, apperrors.ProtocolError(fmt.Sprintf("unknown msg %q", kind.String()), nil)
	}
	if err := json.Unmarshal(frame, m); err != nil {
		return nil, apperrors.ProtocolError("decode "+kind.String(), err)
	}
	return m, nil
}

// Params marshals each argument into a positional parameter list.
func Params(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, apperrors.ProtocolError(fmt.Sprintf("marshal param %d", i), err)
		}
		out = append(out, b)
	}
	return out, nil
}

func quote(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
