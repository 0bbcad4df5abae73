// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package stack

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/srfgo/srf"
)

var (
	ErrNoTransaction     = errors.New("request has no transaction to respond on")
	ErrFinalResponseSent = errors.New("final response already sent")
)

// responseWriter sends responses on server transaction
type responseWriter struct {
	stack *Stack
	req   *sip.Request
	tx    sip.ServerTransaction

	// toTag is used on all our responses on INVITE so provisional and final match
	toTag string

	finalSent atomic.Bool
	finalOnce sync.Once
	final     chan struct{}
}

func newResponseWriter(s *Stack, req *sip.Request, tx sip.ServerTransaction) *responseWriter {
	return &responseWriter{
		stack: s,
		req:   req,
		tx:    tx,
		toTag: newTag(),
		final: make(chan struct{}),
	}
}

func (w *responseWriter) Send(status int, reason string, opts srf.SendOptions) (srf.Response, error) {
	if w.tx == nil {
		return nil, ErrNoTransaction
	}

	isFinal := status >= 200
	if isFinal {
		if !w.finalSent.CompareAndSwap(false, true) {
			return nil, ErrFinalResponseSent
		}
		defer w.finalOnce.Do(func() { close(w.final) })
	}

	var body []byte
	if opts.Body != "" {
		body = []byte(opts.Body)
	}
	res := sip.NewResponseFromRequest(w.req, sip.StatusCode(status), reason, body)

	if status > 100 {
		setToTag(res, w.toTag)
	}
	if w.req.IsInvite() && status >= 200 && status < 300 && lookupHeader(opts.Headers, "contact") == "" {
		res.AppendHeader(w.stack.contactHeader(userOf(w.req.Recipient)))
	}
	applyHeaders(res, opts.Headers)
	if len(body) > 0 && res.ContentType() == nil {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}

	if err := w.tx.Respond(res); err != nil {
		return nil, err
	}

	sent := &sentResponse{
		stack: w.stack,
		req:   w.req,
		res:   res,
	}
	if w.req.IsInvite() && status >= 200 && status < 300 {
		remote, _ := fromTag(w.req)
		local, _ := toTag(res)
		sent.dialogID = dialogID(callID(w.req), local, remote)
	}
	return sent, nil
}

// sentResponse is response we sent. 2xx on INVITE establishes dialog where we are UAS
type sentResponse struct {
	stack    *Stack
	req      *sip.Request
	res      *sip.Response
	dialogID string

	cseq atomic.Uint32
}

func (r *sentResponse) Status() int           { return int(r.res.StatusCode) }
func (r *sentResponse) Reason() string        { return r.res.Reason }
func (r *sentResponse) Body() []byte          { return r.res.Body() }
func (r *sentResponse) StackDialogID() string { return r.dialogID }

func (r *sentResponse) Header(name string) string {
	return headerValue(r.res.GetHeader(name))
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if t, ok := to.Params.Get("tag"); ok && t != "" {
		return
	}
	to.Params.Add("tag", tag)
}

func headerValue(h sip.Header) string {
	if h == nil {
		return ""
	}
	return h.Value()
}

func userOf(uri sip.Uri) string {
	if uri.User == "" {
		return "srf"
	}
	return uri.User
}

// reservedHeaders are built by stack and can not be overridden with options
var reservedHeaders = map[string]bool{
	"via":            true,
	"from":           true,
	"to":             true,
	"call-id":        true,
	"cseq":           true,
	"content-length": true,
	"max-forwards":   true,
}

// canonicalHeaders maps lower case names to their usual SIP spelling
var canonicalHeaders = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"www-authenticate": "WWW-Authenticate",
}

func canonicalHeaderName(name string) string {
	lower := strings.ToLower(name)
	if c, ok := canonicalHeaders[lower]; ok {
		return c
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

type headerAppender interface {
	AppendHeader(h sip.Header)
}

// applyHeaders appends headers to message. Reserved headers are skipped
func applyHeaders(m headerAppender, headers map[string]string) {
	for k, v := range headers {
		lower := strings.ToLower(k)
		if reservedHeaders[lower] {
			continue
		}
		m.AppendHeader(sip.NewHeader(canonicalHeaderName(lower), v))
	}
}

func lookupHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
