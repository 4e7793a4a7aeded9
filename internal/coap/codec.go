package coap

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

const (
	version = 1

	extByteCode   = 13
	extByteAddend = 13
	extWordCode   = 14
	extWordAddend = 269
	extErrorCode  = 15

	// PayloadMarker precedes the payload in the wire format.
	PayloadMarker = 0xFF
)

var (
	errShortHeader  = errors.New("datagram shorter than fixed header")
	errBadVersion   = errors.New("version field is not 1")
	errBadTKL       = errors.New("token length greater than 8")
	errTruncated    = errors.New("datagram truncated mid-option")
	errExtMarker    = errors.New("option nibble value 15 (reserved)")
	errEmptyPayload = errors.New("payload marker present with zero-length payload")
)

// Decode parses a single UDP datagram into a Message, per spec.md §4.1.
// On a critical-unknown-option condition it returns both the partially
// decoded message (header, token, and every option parsed before the
// unknown one) and a BadOption *Error, so the caller can still reply
// with the request's MID/token. On any other malformed input it returns
// a FormatError.
func Decode(data []byte, peer netip.AddrPort) (*Message, error) {
	if len(data) < 4 {
		return nil, NewError(ErrFormat, errShortHeader)
	}
	if data[0]>>6 != version {
		return nil, NewError(ErrFormat, errBadVersion)
	}
	m := &Message{
		Type:   Type((data[0] >> 4) & 0x3),
		Source: peer,
	}
	tkl := int(data[0] & 0x0f)
	if tkl > 8 {
		return nil, NewError(ErrFormat, errBadTKL)
	}
	m.Code = Code(data[1])
	m.MID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tkl {
		return nil, NewError(ErrFormat, errTruncated)
	}
	m.Token = CloneToken(data[4 : 4+tkl])

	b := data[4+tkl:]
	prev := OptionNumber(0)
	for len(b) > 0 {
		if b[0] == PayloadMarker {
			b = b[1:]
			if len(b) == 0 {
				return nil, NewError(ErrFormat, errEmptyPayload)
			}
			m.Payload = append([]byte(nil), b...)
			return m, nil
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		if deltaNibble == extErrorCode || lengthNibble == extErrorCode {
			return m, NewError(ErrFormat, errExtMarker)
		}
		b = b[1:]

		delta, rest, err := extendNibble(deltaNibble, b)
		if err != nil {
			return m, NewError(ErrFormat, err)
		}
		b = rest
		length, rest, err := extendNibble(lengthNibble, b)
		if err != nil {
			return m, NewError(ErrFormat, err)
		}
		b = rest

		if len(b) < length {
			return m, NewError(ErrFormat, errTruncated)
		}
		raw := b[:length]
		b = b[length:]

		num := prev + OptionNumber(delta)
		prev = num

		def, known := registry[num]
		if !known {
			if num.IsCritical() {
				return m, NewError(ErrBadOption, nil)
			}
			continue // elective unknown option: silently ignored, §4.1/§7
		}
		if length < def.minLen || length > def.maxLen {
			if num.IsCritical() {
				return m, NewError(ErrBadOption, nil)
			}
			continue
		}
		m.Options = append(m.Options, Option{Number: num, Value: decodeValue(def.format, raw)})
	}
	return m, nil
}

// extendNibble resolves a 4-bit delta/length nibble into its true value,
// consuming the 1 or 2 extension bytes from b when the nibble requests
// them. Per spec.md §4.1: 0-12 literal, 13 -> +1 byte plus 13, 14 -> +2
// bytes big-endian plus 269, 15 is handled by the caller before this is
// reached.
func extendNibble(nibble int, b []byte) (value int, rest []byte, err error) {
	switch nibble {
	case extByteCode:
		if len(b) < 1 {
			return 0, b, errTruncated
		}
		return int(b[0]) + extByteAddend, b[1:], nil
	case extWordCode:
		if len(b) < 2 {
			return 0, b, errTruncated
		}
		return int(binary.BigEndian.Uint16(b[:2])) + extWordAddend, b[2:], nil
	default:
		return nibble, b, nil
	}
}

func decodeValue(format valueFormat, raw []byte) interface{} {
	switch format {
	case formatUint:
		return decodeUint(raw)
	case formatString:
		return string(raw)
	default: // opaque, empty
		return append([]byte(nil), raw...)
	}
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// encodeUint renders v in the shortest big-endian form, per RFC 7252
// §3.2 (a uint option value of 0 is zero bytes long).
func encodeUint(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

func valueBytes(n OptionNumber, v interface{}) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	case uint64:
		return encodeUint(val)
	case uint32:
		return encodeUint(uint64(val))
	case int:
		return encodeUint(uint64(val))
	default:
		def := registry[n]
		if def.format == formatEmpty {
			return nil
		}
		return nil
	}
}

// Encode serializes a Message to its wire form, per spec.md §4.1
// "Framing (outbound)". Options are sorted by number and deltas use the
// smallest nibble representation available; the payload marker is
// emitted only when len(Payload) > 0.
func Encode(m *Message) []byte {
	opts := append(Options(nil), m.Options...)
	opts.SortByNumber()

	buf := make([]byte, 0, 32+len(m.Payload))
	buf = append(buf,
		byte(version<<6)|byte(uint8(m.Type)<<4)|byte(len(m.Token)&0x0f),
		byte(m.Code),
		0, 0,
	)
	binary.BigEndian.PutUint16(buf[2:4], m.MID)
	buf = append(buf, m.Token...)

	prev := OptionNumber(0)
	for _, opt := range opts {
		val := valueBytes(opt.Number, opt.Value)
		delta := int(opt.Number - prev)
		prev = opt.Number
		buf = appendOptionHeader(buf, delta, len(val))
		buf = append(buf, val...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf
}

func appendOptionHeader(buf []byte, delta, length int) []byte {
	dNibble, dExt := splitExtended(delta)
	lNibble, lExt := splitExtended(length)
	buf = append(buf, byte(dNibble<<4)|byte(lNibble))
	buf = appendExt(buf, dNibble, dExt)
	buf = appendExt(buf, lNibble, lExt)
	return buf
}

// splitExtended picks the nibble code (literal/13/14) and the extension
// value for a delta or length, the inverse of extendNibble.
func splitExtended(v int) (nibble, ext int) {
	switch {
	case v < extByteAddend:
		return v, 0
	case v < extWordAddend:
		return extByteCode, v - extByteAddend
	default:
		return extWordCode, v - extWordAddend
	}
}

func appendExt(buf []byte, nibble, ext int) []byte {
	switch nibble {
	case extByteCode:
		return append(buf, byte(ext))
	case extWordCode:
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(ext))
		return append(buf, tmp[:]...)
	default:
		return buf
	}
}
