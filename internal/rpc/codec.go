package rpc

import "encoding/json"

// Decoded is one incoming packet, expanded to its constituent messages.
// A non-batch packet yields exactly one message. A batch packet expands
// into independent messages that share a connection/endpoint but are
// otherwise dispatched exactly as if they had arrived separately.
type Decoded struct {
	Batch    bool
	Messages []*Message
	// ParseErr is set when the packet itself could not be parsed as
	// JSON at all (CodeParseError), or is an empty batch
	// (CodeInvalidRequest) — Messages is empty in that case.
	ParseErr *ErrorObject
}

// Decode parses one wire packet (already de-framed) into its messages.
// Per-message shape errors (CodeInvalidRequest) are reported as a
// KindInvalid message, not as ParseErr, so a single bad
// element in a batch doesn't poison its siblings.
func Decode(raw []byte) Decoded {
	elems, batch, err := ParseBatchOrSingle(raw)
	if err != nil {
		return Decoded{ParseErr: NewError(CodeParseError, "Parse error", nil)}
	}
	if batch && len(elems) == 0 {
		return Decoded{Batch: true, ParseErr: NewError(CodeInvalidRequest, "Invalid request", nil)}
	}

	msgs := make([]*Message, 0, len(elems))
	for _, e := range elems {
		m, perr := ParseOne(e)
		if perr != nil {
			// A malformed element inside an otherwise well-formed batch
			// is reported as an invalid-request reply for that element,
			// matching the "keep connection open" rule in the taxonomy.
			m = &Message{Kind: KindInvalid}
		} else if m.Kind == KindRequest || m.Kind == KindNotification {
			if m.Method == "" {
				m.Kind = KindInvalid
			}
		}
		if m.Kind != KindInvalid {
			// jsonrpc version is checked last so a missing/garbled
			// version on an otherwise well-shaped message is still
			// classified, then rejected uniformly below.
			var v struct {
				JSONRPC string `json:"jsonrpc"`
			}
			_ = json.Unmarshal(e, &v)
			if v.JSONRPC != Version {
				m.Kind = KindInvalid
			}
		}
		msgs = append(msgs, m)
	}
	return Decoded{Batch: batch, Messages: msgs}
}
