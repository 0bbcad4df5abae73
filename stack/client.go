// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/srfgo/srf"
)

var ErrTransactionEnded = errors.New("transaction ended without final response")

// Request sends new out of dialog request. Responses are delivered on returned client request.
func (s *Stack) Request(ctx context.Context, desc srf.RequestDescriptor) (srf.ClientRequest, error) {
	req, err := s.buildRequest(desc)
	if err != nil {
		return nil, err
	}

	// Transaction must outlive ctx so CANCEL can complete it
	tx, err := s.transactionRequest(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("method", desc.Method).Str("uri", desc.URI).Str("call_id", callID(req)).Msg("Request sent")
	c := newClientRequest(s, req, tx)
	go c.pump()
	return c, nil
}

// transactionRequest sends request keeping headers we built. Without options
// sipgo increments CSeq, which would break CANCEL matching.
func (s *Stack) transactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
}

func (s *Stack) buildRequest(desc srf.RequestDescriptor) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(desc.URI, &recipient); err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", desc.URI, err)
	}
	if recipient.Host == "" {
		return nil, fmt.Errorf("invalid request uri %q: missing host", desc.URI)
	}

	method := sip.RequestMethod(strings.ToUpper(desc.Method))
	req := sip.NewRequest(method, recipient)

	fromValue := lookupHeader(desc.Headers, "from")
	if fromValue == "" {
		fromValue = fmt.Sprintf("<sip:srf@%s>", s.contactHost)
	}
	display, addr, params, err := parseNameAddr(fromValue)
	if err != nil {
		return nil, fmt.Errorf("invalid from header: %w", err)
	}
	s.localize(&addr)
	if t, ok := params.Get("tag"); !ok || t == "" {
		params.Add("tag", newTag())
	}
	req.AppendHeader(&sip.FromHeader{DisplayName: display, Address: addr, Params: params})

	to := &sip.ToHeader{Address: recipient, Params: sip.NewParams()}
	if v := lookupHeader(desc.Headers, "to"); v != "" {
		display, addr, params, err := parseNameAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid to header: %w", err)
		}
		to = &sip.ToHeader{DisplayName: display, Address: addr, Params: params}
	}
	req.AppendHeader(to)

	callid := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if v := lookupHeader(desc.Headers, "contact"); v != "" {
		display, addr, params, err := parseNameAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid contact header: %w", err)
		}
		s.localize(&addr)
		req.AppendHeader(&sip.ContactHeader{DisplayName: display, Address: addr, Params: params})
	} else {
		req.AppendHeader(s.contactHeader(userOf(addr)))
	}

	extra := make(map[string]string, len(desc.Headers))
	for k, v := range desc.Headers {
		if strings.EqualFold(k, "contact") {
			continue
		}
		extra[k] = v
	}
	applyHeaders(req, extra)

	if desc.Body != "" {
		if lookupHeader(desc.Headers, "content-type") == "" {
			ct := sip.ContentTypeHeader("application/sdp")
			req.AppendHeader(&ct)
		}
		req.SetBody([]byte(desc.Body))
	}
	return req, nil
}

// localize replaces localhost placeholder with our contact address
func (s *Stack) localize(uri *sip.Uri) {
	if !strings.EqualFold(uri.Host, "localhost") {
		return
	}
	uri.Host = s.contactHost
	if uri.Port == 0 {
		uri.Port = s.contactPort
	}
}

func (s *Stack) contactHeader(user string) *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: s.contactHost, Port: s.contactPort},
	}
}

// parseNameAddr parses header value in form of
// "Display" <sip:user@host>;param=value or sip:user@host;param=value
func parseNameAddr(value string) (string, sip.Uri, sip.HeaderParams, error) {
	value = strings.TrimSpace(value)
	params := sip.NewParams()

	var display, uriStr, rest string
	if i := strings.Index(value, "<"); i >= 0 {
		j := strings.Index(value[i:], ">")
		if j < 0 {
			return "", sip.Uri{}, nil, fmt.Errorf("missing closing bracket in %q", value)
		}
		display = strings.Trim(strings.TrimSpace(value[:i]), `"`)
		uriStr = value[i+1 : i+j]
		rest = value[i+j+1:]
	} else {
		uriStr = value
		if k := strings.Index(value, ";"); k >= 0 {
			uriStr = value[:k]
			rest = value[k:]
		}
	}

	for _, p := range strings.Split(rest, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		params.Add(k, v)
	}

	var uri sip.Uri
	if err := sip.ParseUri(uriStr, &uri); err != nil {
		return "", sip.Uri{}, nil, err
	}
	return display, uri, params, nil
}

// clientRequest is INVITE sent by us
type clientRequest struct {
	stack     *Stack
	req       *sip.Request
	tx        sip.ClientTransaction
	responses chan srf.Response
	// sendCancel sends CANCEL for req
	sendCancel func() error

	mu            sync.Mutex
	provisional   bool
	final         bool
	cancelPending bool
	canceled      bool
}

func newClientRequest(s *Stack, req *sip.Request, tx sip.ClientTransaction) *clientRequest {
	return &clientRequest{
		stack:      s,
		req:        req,
		tx:         tx,
		responses:  make(chan srf.Response, 8),
		sendCancel: func() error { return s.sendCancel(req) },
	}
}

func (c *clientRequest) Responses() <-chan srf.Response {
	return c.responses
}

func (c *clientRequest) pump() {
	defer close(c.responses)

	for {
		select {
		case res, more := <-c.tx.Responses():
			if !more || res == nil {
				return
			}
			if c.deliver(res) {
				return
			}
		case <-c.tx.Done():
			// Response could be buffered while transaction ended
			for {
				select {
				case res, more := <-c.tx.Responses():
					if !more || res == nil || c.deliver(res) {
						return
					}
				default:
					if err := c.tx.Err(); err != nil {
						c.stack.log.Debug().Err(err).Str("call_id", callID(c.req)).Msg("Client transaction ended")
					}
					return
				}
			}
		}
	}
}

// deliver passes response to consumer and returns true on final response
func (c *clientRequest) deliver(res *sip.Response) bool {
	isFinal := res.StatusCode >= 200

	c.mu.Lock()
	cancelNow := false
	if isFinal {
		c.final = true
	} else {
		c.provisional = true
		if c.cancelPending && !c.canceled {
			c.canceled = true
			cancelNow = true
		}
	}
	c.mu.Unlock()

	if cancelNow {
		if err := c.sendCancel(); err != nil {
			c.stack.log.Error().Err(err).Str("call_id", callID(c.req)).Msg("Failed to send pending CANCEL")
		}
	}

	c.responses <- &clientResponse{stack: c.stack, req: c.req, res: res}
	return isFinal
}

// Ack sends ACK for 2xx. ACK for other final responses is sent by transaction layer.
func (c *clientRequest) Ack(res srf.Response) error {
	cr, ok := res.(*clientResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", res)
	}
	if cr.res.StatusCode < 200 || cr.res.StatusCode >= 300 {
		return nil
	}

	ack := sip.NewAckRequest(c.req, cr.res, nil)
	return c.stack.client.WriteRequest(ack)
}

// Cancel sends CANCEL. CANCEL is delayed until first provisional response.
func (c *clientRequest) Cancel() error {
	c.mu.Lock()
	if c.final || c.canceled {
		c.mu.Unlock()
		return nil
	}
	if !c.provisional {
		c.cancelPending = true
		c.mu.Unlock()
		return nil
	}
	c.canceled = true
	c.mu.Unlock()

	return c.sendCancel()
}

func buildCancel(inv *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, inv.Recipient)

	if via := inv.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inv, cancelReq)
	sip.CopyHeaders("From", inv, cancelReq)
	sip.CopyHeaders("To", inv, cancelReq)
	sip.CopyHeaders("Call-ID", inv, cancelReq)

	if cseq := inv.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}

func (s *Stack) sendCancel(inv *sip.Request) error {
	cancelReq := buildCancel(inv)
	tx, err := s.transactionRequest(context.Background(), cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}

	go func() {
		defer tx.Terminate()
		select {
		case res := <-tx.Responses():
			if res != nil {
				s.log.Debug().Int("status", int(res.StatusCode)).Str("call_id", callID(inv)).Msg("CANCEL response")
			}
		case <-tx.Done():
		case <-time.After(32 * time.Second):
		}
	}()
	return nil
}

// clientResponse is response received on our request
type clientResponse struct {
	stack *Stack
	req   *sip.Request
	res   *sip.Response

	cseq atomic.Uint32
}

func (r *clientResponse) Status() int    { return int(r.res.StatusCode) }
func (r *clientResponse) Reason() string { return r.res.Reason }
func (r *clientResponse) Body() []byte   { return r.res.Body() }

func (r *clientResponse) Header(name string) string {
	return headerValue(r.res.GetHeader(name))
}

func (r *clientResponse) StackDialogID() string {
	if !r.req.IsInvite() || r.res.StatusCode < 200 || r.res.StatusCode >= 300 {
		return ""
	}
	local, _ := fromTag(r.req)
	remote, _ := toTag(r.res)
	return dialogID(callID(r.req), local, remote)
}

// InDialogRequest sends request within dialog established by this response where we are UAC
func (r *clientResponse) InDialogRequest(ctx context.Context, method string, opts srf.SendOptions) (srf.Response, error) {
	recipient := r.req.Recipient
	if contact := r.res.Contact(); contact != nil {
		recipient = contact.Address
	}

	out := sip.NewRequest(sip.RequestMethod(strings.ToUpper(method)), recipient)
	// Route set is Record-Route of 2xx in reverse order
	rr := r.res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		out.AppendHeader(sip.NewHeader("Route", rr[i].Value()))
	}
	sip.CopyHeaders("From", r.req, out)
	sip.CopyHeaders("To", r.res, out)
	sip.CopyHeaders("Call-ID", r.req, out)

	var base uint32
	if cseq := r.req.CSeq(); cseq != nil {
		base = cseq.SeqNo
	}
	return r.stack.sendInDialog(ctx, out, base+r.cseq.Add(1), opts)
}

// InDialogRequest sends request within dialog established by this response where we are UAS
func (r *sentResponse) InDialogRequest(ctx context.Context, method string, opts srf.SendOptions) (srf.Response, error) {
	recipient := r.req.From().Address
	if contact := r.req.Contact(); contact != nil {
		recipient = contact.Address
	}

	out := sip.NewRequest(sip.RequestMethod(strings.ToUpper(method)), recipient)
	for _, h := range r.req.GetHeaders("Record-Route") {
		out.AppendHeader(sip.NewHeader("Route", h.Value()))
	}

	to := r.res.To()
	out.AppendHeader(&sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params.Clone(),
	})
	from := r.req.From()
	out.AppendHeader(&sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     from.Address,
		Params:      from.Params.Clone(),
	})
	sip.CopyHeaders("Call-ID", r.req, out)

	return r.stack.sendInDialog(ctx, out, r.cseq.Add(1), opts)
}

func (s *Stack) sendInDialog(ctx context.Context, out *sip.Request, seq uint32, opts srf.SendOptions) (srf.Response, error) {
	out.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: out.Method})
	maxFwd := sip.MaxForwardsHeader(70)
	out.AppendHeader(&maxFwd)
	out.AppendHeader(s.contactHeader("srf"))
	applyHeaders(out, opts.Headers)
	if opts.Body != "" {
		if lookupHeader(opts.Headers, "content-type") == "" {
			ct := sip.ContentTypeHeader("application/sdp")
			out.AppendHeader(&ct)
		}
		out.SetBody([]byte(opts.Body))
	}

	tx, err := s.transactionRequest(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", out.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res, more := <-tx.Responses():
			if !more || res == nil {
				return nil, ErrTransactionEnded
			}
			if res.StatusCode < 200 {
				continue
			}

			if out.IsInvite() && res.StatusCode < 300 {
				if err := s.client.WriteRequest(sip.NewAckRequest(out, res, nil)); err != nil {
					return nil, fmt.Errorf("send ACK: %w", err)
				}
			}

			resp := &clientResponse{stack: s, req: out, res: res}
			if res.StatusCode >= 300 {
				return resp, srf.NewSipError(int(res.StatusCode), res.Reason)
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrTransactionEnded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
