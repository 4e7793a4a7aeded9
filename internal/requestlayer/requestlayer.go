// Package requestlayer dispatches a non-duplicate inbound Request to the
// configured ResourceRegistry and builds the Response, per spec.md §4.3.
// Grounded on original_source/coapthon/layer/request.py's
// handle_request/handle_get/handle_post/handle_put/handle_delete method
// table, rebuilt as a Go switch over coap.Code instead of Python's
// string-keyed dispatch dict.
package requestlayer

import (
	"coapserver/internal/blockwise"
	"coapserver/internal/coap"
	"coapserver/internal/observe"
	"coapserver/internal/resource"
	"coapserver/internal/telemetry/log"
)

const wellKnownCore = "/.well-known/core"

// Layer dispatches requests into a resource.Registry, coordinating with
// the blockwise and observe layers as needed.
type Layer struct {
	registry   resource.Registry
	blockwise  *blockwise.Coordinator
	observers  *observe.Registry
	logger     *log.Logger
	nextMID    func() uint16
}

// New builds a Layer. nextMID supplies fresh message IDs for the
// notifications a request triggers indirectly: the change notification
// after a PUT and the final 4.04 notification after a DELETE.
func New(reg resource.Registry, bw *blockwise.Coordinator, obs *observe.Registry, logger *log.Logger, nextMID func() uint16) *Layer {
	return &Layer{registry: reg, blockwise: bw, observers: obs, logger: logger, nextMID: nextMID}
}

// Handle dispatches req and returns the Response message. The caller
// (server core) decides the outer Type (piggy-backed ACK vs separate
// CON/NON) per req.Type; Handle always returns Code/Options/Payload as
// if answering synchronously, matching spec.md §4.3's "handler returns
// synchronously" framing — this implementation has no asynchronous
// handlers.
func (l *Layer) Handle(req *coap.Message) (resp *coap.Message) {
	defer func() {
		if r := recover(); r != nil {
			if l.logger != nil {
				l.logger.WithField("panic", r).Error("request handler panicked")
			}
			resp = l.errorResponse(req, coap.InternalServerError)
		}
	}()

	path := req.Options.Path()

	switch req.Code {
	case coap.GET:
		if path == wellKnownCore {
			return l.handleDiscovery(req)
		}
		return l.handleGet(req, path)
	case coap.POST:
		return l.handlePost(req, path)
	case coap.PUT:
		return l.handlePut(req, path)
	case coap.DELETE:
		return l.handleDelete(req, path)
	default:
		return l.errorResponse(req, coap.MethodNotAllowed)
	}
}

func (l *Layer) handleGet(req *coap.Message, path string) *coap.Message {
	res, ok := l.registry.Get(path)
	if !ok {
		return l.errorResponse(req, coap.NotFound)
	}

	resp := l.baseResponse(req, coap.Content)
	resp.Options = resp.Options.Set(coap.OptionContentFormat, res.ContentFormat)
	resp.Payload = res.Payload

	if observeVal, has := req.Options.Observe(); has && res.Observable {
		if observeVal == 0 {
			l.observers.Register(req.Source, req.Token, path)
			resp.Options = resp.Options.Set(coap.OptionObserve, uint64(res.Seq()))
		} else {
			l.observers.Deregister(req.Source, req.Token, path)
		}
	}
	return resp
}

func (l *Layer) handlePost(req *coap.Message, path string) *coap.Message {
	cf, _ := req.Options.ContentFormat()
	r := &resource.Resource{ContentFormat: cf, Payload: req.Payload, Observable: true}
	code, err := l.registry.Create(path, r)
	if err != nil {
		return l.errorResponse(req, coap.InternalServerError)
	}
	resp := l.baseResponse(req, code)
	if code == coap.Created {
		resp.Options = resp.Options.Set(coap.OptionLocationPath, path)
	}
	return resp
}

func (l *Layer) handlePut(req *coap.Message, path string) *coap.Message {
	if _, ok := l.registry.Get(path); !ok {
		return l.errorResponse(req, coap.NotFound)
	}
	cf, _ := req.Options.ContentFormat()
	code, err := l.registry.Update(path, req.Payload, cf)
	if err != nil {
		return l.errorResponse(req, coap.InternalServerError)
	}
	if res, ok := l.registry.Get(path); ok {
		l.observers.Notify(res, l.nextMID)
	}
	return l.baseResponse(req, code)
}

func (l *Layer) handleDelete(req *coap.Message, path string) *coap.Message {
	if _, ok := l.registry.Get(path); !ok {
		return l.errorResponse(req, coap.NotFound)
	}
	code, err := l.registry.Delete(path)
	if err != nil {
		return l.errorResponse(req, coap.InternalServerError)
	}
	l.observers.NotifyDeletion(path, l.nextMID)
	return l.baseResponse(req, code)
}

// baseResponse builds the envelope common to every successful response:
// echoed MID/token, per spec.md I6 (piggy-backed same-MID response).
func (l *Layer) baseResponse(req *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{
		Code:  code,
		MID:   req.MID,
		Token: coap.CloneToken(req.Token),
	}
}

func (l *Layer) errorResponse(req *coap.Message, code coap.Code) *coap.Message {
	return l.baseResponse(req, code)
}
