// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package stack

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/srfgo/srf"
)

// inboundRequest wraps sipgo request and its server transaction
type inboundRequest struct {
	stack *Stack
	req   *sip.Request
	tx    sip.ServerTransaction

	canceled   chan struct{}
	cancelOnce sync.Once
}

func newInboundRequest(s *Stack, req *sip.Request, tx sip.ServerTransaction) *inboundRequest {
	return &inboundRequest{
		stack:    s,
		req:      req,
		tx:       tx,
		canceled: make(chan struct{}),
	}
}

func (r *inboundRequest) cancel() {
	r.cancelOnce.Do(func() {
		r.stack.log.Debug().Str("call_id", callID(r.req)).Msg("Request canceled")
		close(r.canceled)
	})
}

func (r *inboundRequest) Method() string {
	return r.req.Method.String()
}

func (r *inboundRequest) Body() []byte {
	return r.req.Body()
}

func (r *inboundRequest) StackDialogID() string {
	return requestDialogID(r.req)
}

func (r *inboundRequest) CallingNumber() string {
	if from := r.req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

func (r *inboundRequest) CalledNumber() string {
	if r.req.Recipient.User != "" {
		return r.req.Recipient.User
	}
	if to := r.req.To(); to != nil {
		return to.Address.User
	}
	return ""
}

func (r *inboundRequest) Header(name string) string {
	h := r.req.GetHeader(name)
	if h == nil {
		return ""
	}
	return h.Value()
}

func (r *inboundRequest) Canceled() <-chan struct{} {
	return r.canceled
}

func (r *inboundRequest) Proxy(ctx context.Context, opts srf.ProxyOptions) (srf.ProxyResult, error) {
	return r.stack.proxy(ctx, r, opts)
}

func callID(m interface{ CallID() *sip.CallIDHeader }) string {
	h := m.CallID()
	if h == nil {
		return ""
	}
	return h.Value()
}

func fromTag(req *sip.Request) (string, bool) {
	from := req.From()
	if from == nil || from.Params == nil {
		return "", false
	}
	return from.Params.Get("tag")
}

func toTag(m interface{ To() *sip.ToHeader }) (string, bool) {
	to := m.To()
	if to == nil || to.Params == nil {
		return "", false
	}
	return to.Params.Get("tag")
}

// dialogID is Call-ID;local-tag;remote-tag
func dialogID(callID, localTag, remoteTag string) string {
	return callID + ";" + localTag + ";" + remoteTag
}

// requestDialogID returns dialog id of inbound request as seen by us. Requests
// without To tag are outside of dialog.
func requestDialogID(req *sip.Request) string {
	local, ok := toTag(req)
	if !ok || local == "" {
		return ""
	}
	remote, _ := fromTag(req)
	return dialogID(callID(req), local, remote)
}
