package server

import (
	"net/netip"

	"coapserver/internal/blockwise"
	"coapserver/internal/coap"
)

func decodeBlockValue(v uint64) (num uint32, more bool, szx uint64) {
	return blockwise.DecodeBlockOption(v)
}

func encodeBlockValue(num uint32, more bool, szx uint64) uint64 {
	return blockwise.EncodeBlockOption(num, more, szx)
}

func (s *Server) blockwiseIngest(req *coap.Message, num uint32, more bool, szx uint64) ([]byte, *coap.Error) {
	body, err := s.blockwise.IngestBlock1(req.Source, req.Token, num, more, szx, req.Payload)
	s.updateBlockwiseGauge()
	return body, err
}

func (s *Server) blockwiseStart(peer netip.AddrPort, token []byte, body []byte, szx uint64) {
	s.blockwise.StartBlock2(peer, token, body, szx)
	s.updateBlockwiseGauge()
}

func (s *Server) blockwiseNext(peer netip.AddrPort, token []byte, num uint32, szx uint64) ([]byte, bool, uint64, bool) {
	block, more, usedSZX, ok := s.blockwise.NextBlock2(peer, token, num, szx)
	s.updateBlockwiseGauge()
	return block, more, usedSZX, ok
}

func (s *Server) blockwiseHasSession(peer netip.AddrPort, token []byte) bool {
	return s.blockwise.HasBlock2Session(peer, token)
}

// updateBlockwiseGauge syncs coap_blockwise_sessions_active with the
// coordinator's live session count, called from every mutation point
// above (Block1 ingest, Block2 start/advance).
func (s *Server) updateBlockwiseGauge() {
	if s.metrics != nil {
		s.metrics.BlockwiseActive.Set(float64(s.blockwise.ActiveSessions()))
	}
}
