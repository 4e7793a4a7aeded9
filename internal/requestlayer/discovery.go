package requestlayer

import (
	"sort"
	"strconv"
	"strings"

	"coapserver/internal/coap"
)

// handleDiscovery renders GET /.well-known/core as an RFC 6690
// link-format document listing every registered resource, per spec.md
// §4.3's RequestLayer table entry for the well-known path. Not present
// in the retrieval pack's filtered original_source (request.py
// delegates to a resource_layer.discover method outside the filtered
// sources), so the rendering is built fresh from the RFC.
func (l *Layer) handleDiscovery(req *coap.Message) *coap.Message {
	resources := l.registry.All()
	if len(resources) == 0 {
		return l.errorResponse(req, coap.NotFound)
	}

	sort.Slice(resources, func(i, j int) bool { return resources[i].Path < resources[j].Path })

	var b strings.Builder
	for i, r := range resources {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(r.Path)
		b.WriteByte('>')
		b.WriteString(";ct=")
		b.WriteString(strconv.FormatUint(r.ContentFormat, 10))
		if r.Observable {
			b.WriteString(";obs")
		}
	}

	resp := l.baseResponse(req, coap.Content)
	resp.Options = resp.Options.Set(coap.OptionContentFormat, coap.MediaLinkFormat)
	resp.Payload = []byte(b.String())
	return resp
}
