// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package stack runs srf on top of sipgo transport and transaction layer.
package stack

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/srfgo/srf"
)

// Stack implements srf.Stack using sipgo server and client.
type Stack struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	log zerolog.Logger

	contactHost string
	contactPort int

	mu      sync.Mutex
	mws     []srf.Middleware
	handler srf.Handler
	sink    srf.EventSink

	// invites in progress keyed by Call-ID, CSeq and From tag. Used for CANCEL matching
	invites sync.Map
	// record routed proxy calls keyed by Call-ID
	proxied sync.Map
}

type Option func(s *Stack)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Stack) {
		s.log = l
	}
}

// WithServer allows providing custom server handle. It needs to use same UA
func WithServer(srv *sipgo.Server) Option {
	return func(s *Stack) {
		s.server = srv
	}
}

// WithClient allows providing custom client handle. It needs to use same UA
func WithClient(c *sipgo.Client) Option {
	return func(s *Stack) {
		s.client = c
	}
}

// WithContact sets host and port used in Contact header of our requests and answers
func WithContact(host string, port int) Option {
	return func(s *Stack) {
		s.contactHost = host
		s.contactPort = port
	}
}

func WithEvents(sink srf.EventSink) Option {
	return func(s *Stack) {
		s.sink = sink
	}
}

func New(ua *sipgo.UserAgent, opts ...Option) (*Stack, error) {
	s := &Stack{
		ua:          ua,
		log:         log.Logger,
		contactHost: "localhost",
	}
	s.handler = s.defaultHandler

	for _, o := range opts {
		o(s)
	}

	var err error
	if s.server == nil {
		s.server, err = sipgo.NewServer(ua)
		if err != nil {
			return nil, fmt.Errorf("failed to create server handle: %w", err)
		}
	}

	if s.client == nil {
		s.client, err = sipgo.NewClient(ua)
		if err != nil {
			return nil, fmt.Errorf("failed to create client handle: %w", err)
		}
	}

	s.server.OnInvite(s.serveInvite)
	s.server.OnCancel(s.serveCancel)
	s.server.OnAck(s.serveRequest)
	s.server.OnBye(s.serveRequest)
	s.server.OnOptions(s.serveRequest)
	s.server.OnInfo(s.serveRequest)
	s.server.OnNotify(s.serveRequest)
	s.server.OnRefer(s.serveRequest)
	s.server.OnMessage(s.serveRequest)
	s.server.OnUpdate(s.serveRequest)
	return s, nil
}

// Use installs middleware. First installed middleware runs first.
func (s *Stack) Use(mw srf.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mws = append(s.mws, mw)
}

// Handle sets application handler for requests not consumed by middlewares.
func (s *Stack) Handle(h srf.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Stack) SetEventSink(sink srf.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// ListenAndServe listens on network (udp, tcp) and blocks until ctx is done.
func (s *Stack) ListenAndServe(ctx context.Context, network string, addr string) error {
	var serve func() error
	var closer io.Closer
	switch network {
	case "udp", "udp4", "udp6":
		conn, err := net.ListenPacket(network, addr)
		if err != nil {
			return fmt.Errorf("failed to listen %s %s: %w", network, addr, err)
		}
		closer = conn
		serve = func() error { return s.server.ServeUDP(conn) }
	case "tcp", "tcp4", "tcp6":
		l, err := net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("failed to listen %s %s: %w", network, addr, err)
		}
		closer = l
		serve = func() error { return s.server.ServeTCP(l) }
	default:
		return fmt.Errorf("unsupported network %q", network)
	}

	s.log.Info().Str("network", network).Str("addr", addr).Msg("Listening")
	s.emitConnect()

	go func() {
		<-ctx.Done()
		closer.Close()
	}()

	err := serve()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Stack) Close() error {
	return s.ua.Close()
}

func (s *Stack) emitConnect() {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.EmitConnect()
	}
}

func (s *Stack) emitCDR(cdr srf.CDR) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if cdr.Time.IsZero() {
		cdr.Time = time.Now()
	}
	sink.EmitCDR(cdr)
}

func (s *Stack) dispatch(req srf.Request, w srf.ResponseWriter) {
	s.mu.Lock()
	h := s.handler
	mws := make([]srf.Middleware, len(s.mws))
	copy(mws, s.mws)
	s.mu.Unlock()

	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	h(req, w)
}

// defaultHandler rejects requests that nobody handled
func (s *Stack) defaultHandler(req srf.Request, w srf.ResponseWriter) {
	switch req.Method() {
	case string(sip.ACK):
		return
	case string(sip.INVITE):
		if req.StackDialogID() == "" {
			w.Send(480, "Temporarily Unavailable", srf.SendOptions{})
			return
		}
	}

	if req.StackDialogID() != "" {
		w.Send(481, "Call/Transaction Does Not Exist", srf.SendOptions{})
		return
	}
	w.Send(501, "Not Implemented", srf.SendOptions{})
}

func (s *Stack) serveInvite(req *sip.Request, tx sip.ServerTransaction) {
	if s.forwardInDialog(req, tx) {
		return
	}

	in := newInboundRequest(s, req, tx)
	w := newResponseWriter(s, req, tx)

	key := inviteKey(req)
	if requestDialogID(req) == "" {
		s.invites.Store(key, in)
		defer s.invites.Delete(key)

		s.emitCDR(srf.CDR{
			Kind:   srf.CDRAttempt,
			Source: srf.SourceNetwork,
			Msg:    req.Method.String() + " " + req.Recipient.String(),
		})
	}

	// Transaction ending before we sent final response means caller gave up
	go func() {
		select {
		case <-tx.Done():
			if !w.finalSent.Load() {
				in.cancel()
			}
		case <-w.final:
		}
	}()

	s.dispatch(in, w)
}

func (s *Stack) serveCancel(req *sip.Request, tx sip.ServerTransaction) {
	v, ok := s.invites.Load(inviteKey(req))
	if !ok {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.log.Error().Err(err).Msg("Failed to respond CANCEL")
		}
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error().Err(err).Msg("Failed to respond CANCEL")
	}
	v.(*inboundRequest).cancel()
}

func (s *Stack) serveRequest(req *sip.Request, tx sip.ServerTransaction) {
	if s.forwardInDialog(req, tx) {
		return
	}
	s.dispatch(newInboundRequest(s, req, tx), newResponseWriter(s, req, tx))
}

func inviteKey(req *sip.Request) string {
	var seq uint32
	if cseq := req.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	tag, _ := fromTag(req)
	return fmt.Sprintf("%s;%d;%s", callID(req), seq, tag)
}
