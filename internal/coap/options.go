package coap

import "sort"

// OptionNumber identifies an option per the IANA CoAP option registry
// (RFC 7252 section 5.10, RFC 7959 for Block1/Block2).
type OptionNumber uint16

const (
	OptionIfMatch       OptionNumber = 1
	OptionURIHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6
	OptionURIPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionURIPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionURIQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyURI      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
	OptionSize1         OptionNumber = 60
)

// valueFormat is the wire encoding of an option's value, RFC 7252 §3.2.
type valueFormat uint8

const (
	formatUnknown valueFormat = iota
	formatEmpty
	formatOpaque
	formatUint
	formatString
)

type optionDef struct {
	format valueFormat
	minLen int
	maxLen int
}

// registry holds metadata for every option this server recognizes.
// Options absent from this table are "unknown": handled per §4.1 —
// silently ignored if elective (even option number), BadOption if
// critical (odd option number).
var registry = map[OptionNumber]optionDef{
	OptionIfMatch:       {formatOpaque, 0, 8},
	OptionURIHost:       {formatString, 1, 255},
	OptionETag:          {formatOpaque, 1, 8},
	OptionIfNoneMatch:   {formatEmpty, 0, 0},
	OptionObserve:       {formatUint, 0, 3},
	OptionURIPort:       {formatUint, 0, 2},
	OptionLocationPath:  {formatString, 0, 255},
	OptionURIPath:       {formatString, 0, 255},
	OptionContentFormat: {formatUint, 0, 2},
	OptionMaxAge:        {formatUint, 0, 4},
	OptionURIQuery:      {formatString, 0, 255},
	OptionAccept:        {formatUint, 0, 2},
	OptionLocationQuery: {formatString, 0, 255},
	OptionBlock2:        {formatUint, 0, 3},
	OptionBlock1:        {formatUint, 0, 3},
	OptionSize2:         {formatUint, 0, 4},
	OptionProxyURI:      {formatString, 1, 1034},
	OptionProxyScheme:   {formatString, 1, 255},
	OptionSize1:         {formatUint, 0, 4},
}

// IsCritical reports whether an unrecognized option number must cause a
// 4.02 Bad Option response, per spec.md §4.1: "critical iff option number
// is odd".
func (n OptionNumber) IsCritical() bool { return n%2 == 1 }

// Option is a single (number, value) pair. Value holds []byte for
// opaque/empty options, a string for string options, or a uint64 for
// uint options.
type Option struct {
	Number OptionNumber
	Value  interface{}
}

// Options is an ordered multiset of Option, as carried on the wire.
// Repeatable options (Uri-Path, Uri-Query, Location-Path, ...) appear as
// multiple entries with the same Number.
type Options []Option

// SortByNumber reorders options by ascending Number, stable within equal
// numbers so repeated options keep their original relative order. This
// is invariant I5.
func (o Options) SortByNumber() {
	sort.SliceStable(o, func(i, j int) bool { return o[i].Number < o[j].Number })
}

// Add appends an option, preserving any existing ones with the same
// number (used for repeatable options like Uri-Path segments).
func (o Options) Add(n OptionNumber, v interface{}) Options {
	return append(o, Option{Number: n, Value: v})
}

// Set replaces every existing occurrence of n with a single new value.
func (o Options) Set(n OptionNumber, v interface{}) Options {
	return o.Without(n).Add(n, v)
}

// Without returns a copy of o with every occurrence of n removed.
func (o Options) Without(n OptionNumber) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.Number != n {
			out = append(out, opt)
		}
	}
	return out
}

// First returns the first occurrence of option n, if any.
func (o Options) First(n OptionNumber) (Option, bool) {
	for _, opt := range o {
		if opt.Number == n {
			return opt, true
		}
	}
	return Option{}, false
}

// All returns every occurrence of option n, in wire order.
func (o Options) All(n OptionNumber) []Option {
	var out []Option
	for _, opt := range o {
		if opt.Number == n {
			out = append(out, opt)
		}
	}
	return out
}

// Path reassembles the Uri-Path segments into a leading-slash path, e.g.
// "/sensors/temp". An empty option set yields "/".
func (o Options) Path() string {
	segs := o.All(OptionURIPath)
	if len(segs) == 0 {
		return "/"
	}
	path := ""
	for _, s := range segs {
		path += "/" + s.Value.(string)
	}
	return path
}

// SetPath replaces any existing Uri-Path options with one option per
// path segment.
func (o Options) SetPath(path string) Options {
	out := o.Without(OptionURIPath)
	for _, seg := range splitPath(path) {
		out = out.Add(OptionURIPath, seg)
	}
	return out
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// ContentFormat returns the Content-Format option value, if set.
func (o Options) ContentFormat() (uint64, bool) {
	opt, ok := o.First(OptionContentFormat)
	if !ok {
		return 0, false
	}
	return opt.Value.(uint64), true
}

// Observe returns the Observe option value, if set (registration uses 0,
// deregistration uses 1; notifications carry the 24-bit sequence).
func (o Options) Observe() (uint32, bool) {
	opt, ok := o.First(OptionObserve)
	if !ok {
		return 0, false
	}
	return uint32(opt.Value.(uint64)), true
}

// MediaType values from the IANA Content-Format registry (spec.md §6).
const (
	MediaTextPlain     uint64 = 0
	MediaLinkFormat    uint64 = 40
	MediaJSON          uint64 = 50
)
