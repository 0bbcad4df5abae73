// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/srfgo/srf"
)

var (
	ErrTooManyHops     = errors.New("max forwards reached")
	errBranchCanceled  = errors.New("branch canceled")
	errBranchTimeout   = errors.New("branch timed out")
	errBranchNoAnswers = errors.New("branch ended without final response")
)

type proxyCall struct {
	stack *Stack
	in    *inboundRequest
	opts  srf.ProxyOptions
	log   zerolog.Logger

	mu        sync.Mutex
	result    srf.ProxyResult
	best      *sip.Response
	finalSent bool
}

func (s *Stack) proxy(ctx context.Context, in *inboundRequest, opts srf.ProxyOptions) (srf.ProxyResult, error) {
	if in.tx == nil {
		return srf.ProxyResult{}, ErrNoTransaction
	}

	p := &proxyCall{
		stack: s,
		in:    in,
		opts:  opts,
		log:   s.log.With().Str("call_id", callID(in.req)).Logger(),
	}

	if opts.Forking == srf.ForkingParallel {
		p.runParallel(ctx)
	} else {
		p.runSequential(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, nil
}

func (p *proxyCall) runSequential(ctx context.Context) {
	targets := append([]string(nil), p.opts.Destinations...)
	for i := 0; i < len(targets); i++ {
		if p.isCanceled() || ctx.Err() != nil {
			break
		}

		res, err := p.runBranch(ctx, targets[i], p.in.Canceled())
		if err != nil {
			p.log.Info().Err(err).Str("target", targets[i]).Msg("Proxy branch failed")
			continue
		}

		status := int(res.StatusCode)
		switch {
		case status < 300:
			p.connected(res)
			return
		case status < 400 && p.opts.FollowRedirects:
			targets = append(targets, redirectTargets(res)...)
		case status >= 600:
			p.keepBest(res)
			i = len(targets)
			continue
		}
		p.keepBest(res)
	}
	p.sendBest()
}

func (p *proxyCall) runParallel(ctx context.Context) {
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		select {
		case <-p.in.Canceled():
			closeStop()
		case <-ctx.Done():
			closeStop()
		case <-stop:
		}
	}()

	type outcome struct {
		res *sip.Response
		err error
	}
	outcomes := make(chan outcome, len(p.opts.Destinations))
	for _, target := range p.opts.Destinations {
		go func(target string) {
			res, err := p.runBranch(ctx, target, stop)
			outcomes <- outcome{res: res, err: err}
		}(target)
	}

	answered := false
	for range p.opts.Destinations {
		o := <-outcomes
		if o.err != nil {
			p.log.Info().Err(o.err).Msg("Proxy branch failed")
			continue
		}
		if o.res.StatusCode < 300 {
			if !answered {
				answered = true
				p.connected(o.res)
				closeStop()
			}
			continue
		}
		p.keepBest(o.res)
		if o.res.StatusCode >= 600 {
			closeStop()
		}
	}
	closeStop()

	if !answered {
		p.sendBest()
	}
}

// runBranch forwards request to target and returns final response.
// Provisional responses are relayed upstream.
func (p *proxyCall) runBranch(ctx context.Context, target string, stop <-chan struct{}) (*sip.Response, error) {
	fwd, err := p.forwardRequest(target)
	if err != nil {
		return nil, err
	}

	idx := p.addRecord(fwd.Recipient)

	options := []sipgo.ClientRequestOption{sipgo.ClientRequestAddVia}
	if p.opts.RemainInDialog {
		options = append(options, sipgo.ClientRequestAddRecordRoute)
	}
	tx, err := p.stack.client.TransactionRequest(context.WithoutCancel(ctx), fwd, options...)
	if err != nil {
		p.recordMsg(idx, 503, err.Error())
		return nil, fmt.Errorf("forward to %s: %w", target, err)
	}
	defer tx.Terminate()

	var provTimer, finalTimer <-chan time.Time
	if p.opts.ProvisionalTimeout > 0 {
		t := time.NewTimer(p.opts.ProvisionalTimeout)
		defer t.Stop()
		provTimer = t.C
	}
	if p.opts.FinalTimeout > 0 {
		t := time.NewTimer(p.opts.FinalTimeout)
		defer t.Stop()
		finalTimer = t.C
	}

	gotProvisional := false
	cancelSent := false
	cancelBranch := func() error {
		if cancelSent {
			return nil
		}
		if !gotProvisional {
			// Nothing to cancel yet
			return errBranchCanceled
		}
		cancelSent = true
		if err := p.stack.sendCancel(fwd); err != nil {
			p.log.Error().Err(err).Str("target", target).Msg("Failed to cancel branch")
		}
		return nil
	}

	for {
		select {
		case res, more := <-tx.Responses():
			if !more || res == nil {
				return nil, errBranchNoAnswers
			}
			p.recordMsg(idx, int(res.StatusCode), res.Reason)
			if res.StatusCode < 200 {
				gotProvisional = true
				provTimer = nil
				if res.StatusCode > 100 {
					p.relayProvisional(res)
				}
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errBranchNoAnswers
		case <-provTimer:
			p.recordMsg(idx, 408, "no provisional response")
			return nil, errBranchTimeout
		case <-finalTimer:
			finalTimer = nil
			p.recordMsg(idx, 408, "no final response")
			if err := cancelBranch(); err != nil {
				return nil, errBranchTimeout
			}
		case <-stop:
			stop = nil
			if err := cancelBranch(); err != nil {
				return nil, err
			}
		}
	}
}

func (p *proxyCall) forwardRequest(target string) (*sip.Request, error) {
	uri, err := proxyTargetURI(target, p.in.req.Recipient)
	if err != nil {
		return nil, err
	}

	fwd := p.in.req.Clone()
	fwd.Recipient = uri
	if mf := fwd.MaxForwards(); mf != nil {
		if *mf <= 1 {
			return nil, ErrTooManyHops
		}
		*mf = *mf - 1
	}
	return fwd, nil
}

// proxyTargetURI builds Request-URI for destination. Destination without user part
// keeps user of original Request-URI.
func proxyTargetURI(target string, orig sip.Uri) (sip.Uri, error) {
	t := strings.TrimSpace(target)
	lower := strings.ToLower(t)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(t, "@") && orig.User != "" {
			t = orig.User + "@" + t
		}
		t = "sip:" + t
	}

	var uri sip.Uri
	if err := sip.ParseUri(t, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid proxy destination %q: %w", target, err)
	}
	return uri, nil
}

func redirectTargets(res *sip.Response) []string {
	var targets []string
	for _, h := range res.GetHeaders("Contact") {
		if c, ok := h.(*sip.ContactHeader); ok {
			targets = append(targets, c.Address.String())
			continue
		}
		if _, uri, _, err := parseNameAddr(h.Value()); err == nil {
			targets = append(targets, uri.String())
		}
	}
	return targets
}

func (p *proxyCall) isCanceled() bool {
	select {
	case <-p.in.Canceled():
		return true
	default:
		return false
	}
}

func (p *proxyCall) addRecord(uri sip.Uri) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Responses = append(p.result.Responses, srf.ProxyResponse{
		Address: uri.Host,
		Port:    uri.Port,
	})
	return len(p.result.Responses) - 1
}

func (p *proxyCall) recordMsg(idx int, status int, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &p.result.Responses[idx]
	r.Msgs = append(r.Msgs, srf.ProxyMessage{
		Time:   time.Now(),
		Status: status,
		Msg:    msg,
	})
}

// keepBest remembers response to forward upstream if no branch answers.
// 6xx wins, otherwise lowest class wins.
func (p *proxyCall) keepBest(res *sip.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.best == nil {
		p.best = res
		return
	}
	if p.best.StatusCode >= 600 {
		return
	}
	if res.StatusCode >= 600 || res.StatusCode/100 < p.best.StatusCode/100 {
		p.best = res
	}
}

func (p *proxyCall) relayProvisional(res *sip.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalSent {
		return
	}
	if err := p.respond(res); err != nil {
		p.log.Error().Err(err).Msg("Failed to relay provisional response")
	}
}

func (p *proxyCall) relayFinal(res *sip.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalSent {
		return
	}
	p.finalSent = true
	if err := p.respond(res); err != nil {
		p.log.Error().Err(err).Int("status", int(res.StatusCode)).Msg("Failed to relay final response")
	}
}

// respond sends response upstream with our Via removed
func (p *proxyCall) respond(res *sip.Response) error {
	r := res.Clone()
	r.RemoveHeader("Via")
	return p.in.tx.Respond(r)
}

func (p *proxyCall) connected(res *sip.Response) {
	p.relayFinal(res)

	p.mu.Lock()
	p.result.Connected = true
	p.mu.Unlock()

	cid := callID(p.in.req)
	if p.opts.RemainInDialog {
		p.stack.proxied.Store(cid, struct{}{})
	}

	p.stack.emitCDR(srf.CDR{Kind: srf.CDRStart, Source: srf.SourceNetwork, Role: srf.CDRRoleUASProxy, DialogID: cid})
	p.stack.emitCDR(srf.CDR{Kind: srf.CDRStart, Source: srf.SourceNetwork, Role: srf.CDRRoleUACProxy, DialogID: cid})
}

func (p *proxyCall) sendBest() {
	if p.isCanceled() {
		p.relayStatus(487, "Request Terminated")
		return
	}

	p.mu.Lock()
	best := p.best
	p.mu.Unlock()
	if best != nil {
		p.relayFinal(best)
		return
	}
	p.relayStatus(408, "Request Timeout")
}

func (p *proxyCall) relayStatus(status int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalSent {
		return
	}
	p.finalSent = true
	res := sip.NewResponseFromRequest(p.in.req, sip.StatusCode(status), reason, nil)
	if err := p.in.tx.Respond(res); err != nil {
		p.log.Debug().Err(err).Int("status", status).Msg("Failed to respond")
	}
}

// forwardInDialog relays requests of record routed proxy calls.
// Returns false if request does not belong to such call.
func (s *Stack) forwardInDialog(req *sip.Request, tx sip.ServerTransaction) bool {
	cid := callID(req)
	if _, ok := s.proxied.Load(cid); !ok {
		return false
	}
	if requestDialogID(req) == "" {
		return false
	}

	fwd := req.Clone()
	// Top Route is ours
	fwd.RemoveHeader("Route")
	if mf := fwd.MaxForwards(); mf != nil && *mf > 0 {
		*mf = *mf - 1
	}

	if req.IsAck() {
		if err := s.client.WriteRequest(fwd, sipgo.ClientRequestAddVia); err != nil {
			s.log.Error().Err(err).Str("call_id", cid).Msg("Failed to forward ACK")
		}
		return true
	}

	if req.Method == sip.BYE {
		s.proxied.Delete(cid)
		s.emitCDR(srf.CDR{Kind: srf.CDRStop, Source: srf.SourceNetwork, Role: srf.CDRRoleUASProxy, DialogID: cid})
		s.emitCDR(srf.CDR{Kind: srf.CDRStop, Source: srf.SourceNetwork, Role: srf.CDRRoleUACProxy, DialogID: cid})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 32*time.Second)
	defer cancel()

	out, err := s.client.TransactionRequest(ctx, fwd, sipgo.ClientRequestAddVia)
	if err != nil {
		s.log.Error().Err(err).Str("call_id", cid).Msg("Failed to forward in dialog request")
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		tx.Respond(res)
		return true
	}
	defer out.Terminate()

	for {
		select {
		case res, more := <-out.Responses():
			if !more || res == nil {
				return true
			}
			r := res.Clone()
			r.RemoveHeader("Via")
			if err := tx.Respond(r); err != nil {
				s.log.Error().Err(err).Str("call_id", cid).Msg("Failed to relay in dialog response")
			}
			if res.StatusCode >= 200 {
				return true
			}
		case <-out.Done():
			return true
		case <-ctx.Done():
			return true
		}
	}
}
