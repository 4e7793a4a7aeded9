package server

import (
	"net/netip"

	"coapserver/internal/coap"
	"coapserver/internal/config"
)

// handleDatagram implements spec.md §4.6's per-datagram handling: decode,
// classify, dedup, dispatch, and reply.
func (s *Server) handleDatagram(dg datagram) {
	m, err := coap.Decode(dg.data, dg.peer)
	if m != nil && s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(m.Type.String()).Inc()
	}

	if err != nil {
		s.handleDecodeError(dg.peer, m, err)
		return
	}

	switch m.Kind() {
	case coap.KindRequest:
		s.handleRequest(m)
	case coap.KindResponse:
		// A stray response with no matching exchange: reset it, per
		// spec.md §4.6 step 3.
		s.sendReset(dg.peer, m.MID)
	case coap.KindEmpty:
		s.handleEmpty(dg.peer, m)
	}
}

func (s *Server) handleDecodeError(peer netip.AddrPort, partial *coap.Message, err error) {
	if s.metrics != nil {
		s.metrics.DecodeErrors.WithLabelValues(decodeErrorKind(err)).Inc()
	}
	if partial == nil {
		return // too malformed to even echo a MID/token back
	}
	cerr, ok := err.(*coap.Error)
	if !ok {
		return
	}
	code, hasCode := coap.ResponseCode(cerr.Kind)
	if !hasCode {
		return
	}

	respType := coap.TypeNonConfirmable
	if partial.Type == coap.TypeConfirmable {
		respType = coap.TypeAcknowledgement
	}
	resp := &coap.Message{
		Type:  respType,
		Code:  code,
		MID:   partial.MID,
		Token: coap.CloneToken(partial.Token),
	}
	s.SendRaw(peer, coap.Encode(resp))
}

func decodeErrorKind(err error) string {
	if cerr, ok := err.(*coap.Error); ok {
		return cerr.Kind.String()
	}
	return "unknown"
}

// handleEmpty processes an inbound ACK or RST against the pending
// exchange table, per spec.md §4.2's handle_message.
func (s *Server) handleEmpty(peer netip.AddrPort, m *coap.Message) {
	reset := m.Type == coap.TypeReset
	ex, matched := s.messages.Acknowledge(peer, m.MID, reset)
	if matched && reset {
		s.observers.RemoveByPeerAndToken(peer, ex.Message.Token)
	}
}

// handleRequest implements spec.md §4.3/§4.4's combined request path:
// dedup, blockwise reassembly/splitting, dispatch, and reply framing.
func (s *Server) handleRequest(req *coap.Message) {
	if s.messages.IsDuplicate(req.Source, req.MID) {
		if raw, ok := s.messages.CachedResponse(req.Source, req.MID); ok {
			s.SendRaw(req.Source, raw)
		}
		// Else: no cached response yet (still being produced by another
		// worker, or this peer is racing its own retransmit) — silently
		// drop, per spec.md I4/ErrDuplicateDropped.
		return
	}

	if block1, has := req.Options.First(coap.OptionBlock1); has {
		s.handleBlock1Request(req, block1.Value.(uint64))
		return
	}

	resp := s.requests.Handle(req)
	s.applyBlock2IfNeeded(req, resp)
	s.finishResponse(req, resp)
}

// handleBlock1Request folds one Block1-carrying request into its
// reassembly session; once the final block arrives the assembled
// payload replaces req.Payload and dispatch proceeds normally.
func (s *Server) handleBlock1Request(req *coap.Message, blockVal uint64) {
	num, more, szx := decodeBlockValue(blockVal)

	assembled, berr := s.blockwiseIngest(req, num, more, szx)
	if berr != nil {
		code, _ := coap.ResponseCode(berr.Kind)
		resp := &coap.Message{Code: code, MID: req.MID, Token: coap.CloneToken(req.Token)}
		s.finishResponse(req, resp)
		return
	}
	if assembled == nil {
		resp := &coap.Message{Code: coap.Continue, MID: req.MID, Token: coap.CloneToken(req.Token)}
		resp.Options = resp.Options.Set(coap.OptionBlock1, blockVal)
		s.finishResponse(req, resp)
		return
	}

	req.Payload = assembled
	resp := s.requests.Handle(req)
	resp.Options = resp.Options.Set(coap.OptionBlock1, blockVal)
	s.applyBlock2IfNeeded(req, resp)
	s.finishResponse(req, resp)
}

// applyBlock2IfNeeded splits an oversize response body across Block2
// exchanges, per spec.md §4.4's Block2 trigger: outbound payload length
// over MAX_PAYLOAD.
func (s *Server) applyBlock2IfNeeded(req *coap.Message, resp *coap.Message) {
	reqBlock2, requested := req.Options.First(coap.OptionBlock2)
	var num uint32
	var szx uint64 = 6 // default to the largest block size, per spec.md §4.4
	if requested {
		num, _, szx = decodeBlockValue(reqBlock2.Value.(uint64))
	}

	needsSplit := len(resp.Payload) > config.MaxPayload
	hasOngoing := s.blockwiseHasSession(req.Source, resp.Token)
	if !needsSplit && !hasOngoing && !requested {
		return
	}

	if !hasOngoing {
		s.blockwiseStart(req.Source, resp.Token, resp.Payload, szx)
	}

	block, more, usedSZX, ok := s.blockwiseNext(req.Source, resp.Token, num, szx)
	if !ok {
		return
	}
	resp.Payload = block
	resp.Options = resp.Options.Set(coap.OptionBlock2, encodeBlockValue(num, more, usedSZX))
}

// finishResponse applies the reply-type rule from spec.md §4.3/I6
// (piggy-backed ACK for CON, fresh-MID NON for NON), caches the response
// for duplicate replay, and sends it. The response is always ACK or NON,
// so nothing is scheduled for retransmission here.
func (s *Server) finishResponse(req *coap.Message, resp *coap.Message) {
	if req.Type == coap.TypeConfirmable {
		resp.Type = coap.TypeAcknowledgement
		resp.MID = req.MID
	} else {
		resp.Type = coap.TypeNonConfirmable
		resp.MID = s.messages.NextMID()
	}

	raw := coap.Encode(resp)
	s.messages.RecordResponse(req.Source, req.MID, raw)
	s.SendRaw(req.Source, raw)
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(resp.Type.String()).Inc()
	}
}

func (s *Server) sendReset(peer netip.AddrPort, mid uint16) {
	resp := &coap.Message{Type: coap.TypeReset, Code: coap.CodeEmpty, MID: mid}
	s.SendRaw(peer, coap.Encode(resp))
}
