// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/wsrpc/code"
)

// A Kind identifies the variant of a protocol message.
type Kind int

// The kinds of protocol messages. KindInvalid marks a batch element that did
// not conform to the protocol; its Invalid field reports why.
const (
	KindInvalid Kind = iota
	KindRequest
	KindInternalRequest
	KindNotification
	KindInternalNotification
	KindResponse
	KindError
	KindBatch
)

var kindName = [...]string{
	KindInvalid:              "invalid",
	KindRequest:              "request",
	KindInternalRequest:      "internal request",
	KindNotification:         "notification",
	KindInternalNotification: "internal notification",
	KindResponse:             "response",
	KindError:                "error",
	KindBatch:                "batch",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindName) {
		return kindName[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsCall reports whether k is a request or notification kind.
func (k Kind) IsCall() bool { return k >= KindRequest && k <= KindInternalNotification }

// IsReply reports whether k is a response or error kind.
func (k Kind) IsReply() bool { return k == KindResponse || k == KindError }

// callKind returns the kind of a call to the given name, with or without an ID.
func callKind(name Name, hasID bool) Kind {
	switch {
	case hasID && name.Scope == Internal:
		return KindInternalRequest
	case hasID:
		return KindRequest
	case name.Scope == Internal:
		return KindInternalNotification
	default:
		return KindNotification
	}
}

// A Message is the decoded form of a single protocol message or a batch.
// Which fields are meaningful depends on Kind:
//
//	request, internal request:  ID, Name, Params
//	notification (either):      Name, Params
//	response:                   ID, Result
//	error:                      ID (possibly null), Error
//	batch:                      Batch
//	invalid:                    Invalid, and ID if it could be recovered
//
// An invalid message without a method that carries a result or an error
// member retains them in Result and Error; it is a malformed reply, and
// receives no answer.
type Message struct {
	Kind    Kind
	ID      json.RawMessage
	Name    Name
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error
	Batch   []*Message
	Invalid *Error
}

var nullID = json.RawMessage("null")

// Decode parses a single protocol message or a batch from data.
//
// If data is not valid JSON, Decode reports an error with code ParseError.
// If data is valid JSON but not an object or a non-empty array, Decode
// reports an error with code InvalidRequest.
//
// The elements of a batch are checked independently: an element that does
// not conform to the protocol is returned with Kind == KindInvalid and does
// not cause Decode to fail. A single message that does not conform is
// returned in the same form, and its Invalid error is also reported.
func Decode(data []byte) (*Message, error) {
	if !json.Valid(data) {
		return nil, Errorf(code.ParseError, "%s", code.ParseError)
	}
	switch firstByte(data) {
	case '{':
		m := decodeOne(data)
		if m.Invalid != nil {
			return m, m.Invalid
		}
		return m, nil

	case '[':
		var elts []json.RawMessage
		if err := json.Unmarshal(data, &elts); err != nil {
			return nil, Errorf(code.InvalidRequest, "invalid batch: %v", err)
		} else if len(elts) == 0 {
			return nil, Errorf(code.InvalidRequest, "empty batch")
		}
		batch := &Message{Kind: KindBatch, Batch: make([]*Message, len(elts))}
		for i, elt := range elts {
			batch.Batch[i] = decodeOne(elt)
		}
		return batch, nil

	default:
		return nil, Errorf(code.InvalidRequest, "message must be an object or an array")
	}
}

// decodeOne decodes and checks a single protocol message. Validation errors
// are recorded in the Invalid field of the result.
func decodeOne(data []byte) *Message {
	m := new(Message)
	fail := func(msg string) {
		if m.Invalid == nil {
			m.Invalid = Errorf(code.InvalidRequest, "%s", msg)
		}
	}

	// Decode into a map so that we can record the ID, if there is one, even
	// when other fields are invalid.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		m.Invalid = Errorf(code.InvalidRequest, "message is not a JSON object")
		return m
	}

	var version, method string
	var hasMethod, hasResult, hasError bool
	var id json.RawMessage
	for key, val := range obj {
		switch key {
		case "jsonrpc":
			if json.Unmarshal(val, &version) != nil {
				fail("invalid version marker")
			}
		case "id":
			if isValidID(val) {
				id = val
			} else {
				fail("invalid request ID")
			}
		case "method":
			hasMethod = true
			if json.Unmarshal(val, &method) != nil {
				fail("invalid method name")
			}
		case "params":
			// As a special case, reduce "null" to nil in the parameters.
			// Otherwise, JSON-RPC 2.0 requires val to be an array or object.
			if !isNull(val) {
				m.Params = val
			}
			if fb := firstByte(m.Params); fb != 0 && fb != '[' && fb != '{' {
				fail("parameters must be array or object")
			}
		case "result":
			hasResult = true
			m.Result = val
		case "error":
			hasError = true
			var e struct {
				Code    *int32          `json:"code"`
				Message string          `json:"message"`
				Data    json.RawMessage `json:"data"`
			}
			if json.Unmarshal(val, &e) != nil || e.Code == nil {
				fail("invalid error object")
				m.Error = Errorf(code.InvalidRequest, "invalid error object")
			} else {
				m.Error = &Error{Code: code.Code(*e.Code), Message: e.Message, Data: e.Data}
			}
		}
	}
	if !isNull(id) {
		m.ID = id
	}

	if version != Version {
		fail("invalid version marker")
	}
	switch {
	case hasMethod && method == "":
		fail("empty method name")
	case hasMethod:
		m.Name = ParseName(method)
		if hasResult || hasError {
			fail("mixed request and reply fields")
		}
		m.Kind = callKind(m.Name, m.ID != nil)
	case hasResult && hasError:
		fail("mixed result and error fields")
	case hasError:
		m.Kind = KindError
		if m.ID == nil {
			m.ID = nullID
		}
	case hasResult:
		if m.ID == nil {
			fail("response without an ID")
		}
		m.Kind = KindResponse
	default:
		fail("message is neither a request nor a response")
	}
	if m.Invalid != nil {
		m.Kind = KindInvalid
	}
	return m
}

// isMalformedReply reports whether m is an invalid message shaped like a
// reply. Replies are never answered, even when they are malformed.
func (m *Message) isMalformedReply() bool {
	return m.Kind == KindInvalid && m.Name == (Name{}) && (m.Result != nil || m.Error != nil)
}

// Encode renders m in its wire format. It reports an error if m does not
// have the fields required by its kind.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, m *Message) error {
	if m.Kind == KindBatch {
		if len(m.Batch) == 0 {
			return errors.New("empty batch")
		}
		buf.WriteByte('[')
		for i, elt := range m.Batch {
			if elt.Kind == KindBatch {
				return errors.New("nested batch")
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeTo(buf, elt); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}

	buf.WriteString(`{"jsonrpc":"2.0"`)
	switch m.Kind {
	case KindRequest, KindInternalRequest, KindNotification, KindInternalNotification:
		name := m.Name
		if m.Kind == KindInternalRequest || m.Kind == KindInternalNotification {
			name.Scope = Internal
		}
		if name.Base == "" {
			return errors.New("empty method name")
		}
		if m.Kind == KindRequest || m.Kind == KindInternalRequest {
			if len(m.ID) == 0 || isNull(m.ID) {
				return fmt.Errorf("%v without an ID", m.Kind)
			}
			buf.WriteString(`,"id":`)
			buf.Write(m.ID)
		}
		mname, err := json.Marshal(name.Wire())
		if err != nil {
			return err
		}
		buf.WriteString(`,"method":`)
		buf.Write(mname)
		if len(m.Params) != 0 {
			buf.WriteString(`,"params":`)
			buf.Write(m.Params)
		}

	case KindResponse:
		if len(m.ID) == 0 || isNull(m.ID) {
			return errors.New("response without an ID")
		}
		buf.WriteString(`,"id":`)
		buf.Write(m.ID)
		buf.WriteString(`,"result":`)
		if len(m.Result) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(m.Result)
		}

	case KindError, KindInvalid:
		// An invalid message is answered by an error bearing the reason.
		e := m.Error
		if m.Kind == KindInvalid {
			e = m.Invalid
		}
		if e == nil {
			return errors.New("error message without an error object")
		}
		bits, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.WriteString(`,"id":`)
		if len(m.ID) == 0 {
			buf.Write(nullID)
		} else {
			buf.Write(m.ID)
		}
		buf.WriteString(`,"error":`)
		buf.Write(bits)

	default:
		return fmt.Errorf("cannot encode message of %v", m.Kind)
	}
	buf.WriteByte('}')
	return nil
}

// isValidID reports whether v is a valid JSON encoding of a request ID.
// Precondition: v is a valid JSON value, or empty.
func isValidID(v json.RawMessage) bool {
	if len(v) == 0 || isNull(v) {
		return true // nil or empty is OK, as is "null"
	} else if v[0] == '"' || v[0] == '-' || (v[0] >= '0' && v[0] <= '9') {
		return true // strings and numbers are OK

		// N.B. This definition does not reject fractional numbers, although the
		// JSON-RPC 2.0 specification says numeric IDs should not have fractional parts.
	}
	return false // anything else is garbage
}

// isNull reports whether msg is exactly the JSON "null" value.
func isNull(msg json.RawMessage) bool { return string(msg) == "null" }

// firstByte returns the first non-whitespace byte of data, or 0 if there is none.
func firstByte(data []byte) byte {
	clean := bytes.TrimSpace(data)
	if len(clean) == 0 {
		return 0
	}
	return clean[0]
}

// marshalParams validates and marshals params to JSON for a request. It's
// okay for the parameters to be empty, but if they are not they must be an
// array or an object.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	pbits, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if fb := firstByte(pbits); fb != '[' && fb != '{' && !isNull(pbits) {
		// JSON-RPC requires that if parameters are provided at all, they are
		// an array or an object.
		return nil, Errorf(code.InvalidRequest, "invalid parameters: array or object required")
	} else if isNull(pbits) {
		return nil, nil
	}
	return pbits, nil
}
