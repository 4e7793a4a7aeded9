// Package coap defines the CoAP (RFC 7252) wire message model and binary
// codec: the header, the option set with its delta/length extension
// nibbles, and the payload marker. Layers above (messagelayer,
// requestlayer, blockwise, observe) operate on the types defined here;
// they never touch raw bytes themselves.
package coap

import (
	"fmt"
	"net/netip"
)

// Type is the 2-bit message type carried in the header.
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAcknowledgement Type = 2
	TypeReset          Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgement:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code packs the 3-bit class and 5-bit detail of a CoAP method or
// response code into a single byte, per RFC 7252 section 3.
type Code uint8

// NewCode builds a Code from its class.detail components, e.g.
// NewCode(4, 4) is 4.04 Not Found.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	if c == CodeEmpty {
		return "0.00"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request method codes (class 0).
const (
	CodeEmpty  Code = 0
	GET        Code = 1
	POST       Code = 2
	PUT        Code = 3
	DELETE     Code = 4
)

// Response codes used by this server (RFC 7252 section 5.9 and RFC 7959).
const (
	Created               Code = 0x41 // 2.01
	Deleted               Code = 0x42 // 2.02
	Valid                 Code = 0x43 // 2.03
	Changed               Code = 0x44 // 2.04
	Content               Code = 0x45 // 2.05
	Continue              Code = 0x5F // 2.31 (Block1 continuation)
	BadRequest            Code = 0x80 // 4.00
	Unauthorized          Code = 0x81 // 4.01
	BadOption             Code = 0x82 // 4.02
	Forbidden             Code = 0x83 // 4.03
	NotFound              Code = 0x84 // 4.04
	MethodNotAllowed      Code = 0x85 // 4.05
	RequestEntityIncomplete Code = 0x88 // 4.08
	PreconditionFailed    Code = 0x8C // 4.12
	RequestEntityTooLarge Code = 0x8D // 4.13
	UnsupportedContentFormat Code = 0x8F // 4.15
	InternalServerError   Code = 0xA0 // 5.00
	NotImplemented        Code = 0xA1 // 5.01
)

// Kind classifies a decoded message by its Code, per spec.md §3.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindRequest
	KindResponse
)

// KindOf reports the subtype of a message carrying this code.
func KindOf(c Code) Kind {
	switch {
	case c == CodeEmpty:
		return KindEmpty
	case c >= 1 && c <= 31:
		return KindRequest
	default:
		return KindResponse
	}
}

// Message is the common CoAP envelope: header fields, token, ordered
// options, and payload, plus the endpoint pair it arrived from / will be
// sent to. Mutable processing flags live on messagelayer.Exchange, not
// here, so that a Message value itself stays an immutable wire artifact
// once decoded (see messagelayer.Exchange for the atomic status enum).
type Message struct {
	Type    Type
	Code    Code
	MID     uint16
	Token   []byte
	Options Options
	Payload []byte

	Source      netip.AddrPort
	Destination netip.AddrPort
}

// Kind reports whether this message is empty, a request, or a response.
func (m *Message) Kind() Kind { return KindOf(m.Code) }

// Method returns the request method when Kind() == KindRequest.
func (m *Message) Method() Code { return m.Code }

// CloneToken returns an independent copy of the token, safe to retain
// past the lifetime of the decode buffer.
func CloneToken(tok []byte) []byte {
	if len(tok) == 0 {
		return nil
	}
	out := make([]byte, len(tok))
	copy(out, tok)
	return out
}
