// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeRequest struct {
	method   string
	body     []byte
	dialogID string
	calling  string
	called   string
	headers  map[string]string

	canceled   chan struct{}
	cancelOnce sync.Once

	proxyOpts   ProxyOptions
	proxyResult ProxyResult
	proxyCalls  int
}

func newFakeInvite(body string) *fakeRequest {
	return &fakeRequest{
		method:   "INVITE",
		body:     []byte(body),
		calling:  "alice",
		called:   "bob",
		headers:  map[string]string{"from": "<sip:alice@example.com>;tag=a1"},
		canceled: make(chan struct{}),
	}
}

func newFakeInDialog(method string, dialogID string) *fakeRequest {
	return &fakeRequest{
		method:   method,
		dialogID: dialogID,
		canceled: make(chan struct{}),
	}
}

func (r *fakeRequest) cancel() {
	r.cancelOnce.Do(func() { close(r.canceled) })
}

func (r *fakeRequest) Method() string            { return r.method }
func (r *fakeRequest) Body() []byte              { return r.body }
func (r *fakeRequest) StackDialogID() string     { return r.dialogID }
func (r *fakeRequest) CallingNumber() string     { return r.calling }
func (r *fakeRequest) CalledNumber() string      { return r.called }
func (r *fakeRequest) Header(name string) string { return r.headers[strings.ToLower(name)] }
func (r *fakeRequest) Canceled() <-chan struct{} { return r.canceled }
func (r *fakeRequest) Proxy(ctx context.Context, opts ProxyOptions) (ProxyResult, error) {
	r.proxyCalls++
	r.proxyOpts = opts
	return r.proxyResult, nil
}

type fakeResponse struct {
	status   int
	reason   string
	body     []byte
	headers  map[string]string
	dialogID string

	mu       sync.Mutex
	requests []string
}

func (r *fakeResponse) Status() int               { return r.status }
func (r *fakeResponse) Reason() string            { return r.reason }
func (r *fakeResponse) Body() []byte              { return r.body }
func (r *fakeResponse) Header(name string) string { return r.headers[strings.ToLower(name)] }
func (r *fakeResponse) StackDialogID() string     { return r.dialogID }

func (r *fakeResponse) InDialogRequest(ctx context.Context, method string, opts SendOptions) (Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, method)
	r.mu.Unlock()
	return &fakeResponse{status: 200, reason: "OK"}, nil
}

func (r *fakeResponse) sentRequests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

type fakeSent struct {
	status int
	reason string
	opts   SendOptions
}

type fakeResponseWriter struct {
	dialogID string
	err      error
	sent     chan fakeSent
}

func newFakeWriter(dialogID string) *fakeResponseWriter {
	return &fakeResponseWriter{
		dialogID: dialogID,
		sent:     make(chan fakeSent, 32),
	}
}

func (w *fakeResponseWriter) Send(status int, reason string, opts SendOptions) (Response, error) {
	if w.err != nil {
		return nil, w.err
	}
	w.sent <- fakeSent{status: status, reason: reason, opts: opts}
	res := &fakeResponse{
		status:  status,
		reason:  reason,
		body:    []byte(opts.Body),
		headers: opts.Headers,
	}
	if status >= 200 && status < 300 {
		res.dialogID = w.dialogID
	}
	return res, nil
}

func (w *fakeResponseWriter) next(t *testing.T) fakeSent {
	t.Helper()
	select {
	case s := <-w.sent:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting response to be sent")
	}
	return fakeSent{}
}

func (w *fakeResponseWriter) drain() []fakeSent {
	var list []fakeSent
	for {
		select {
		case s := <-w.sent:
			list = append(list, s)
		default:
			return list
		}
	}
}

type fakeClientRequest struct {
	desc  RequestDescriptor
	stack *fakeStack

	responses chan Response

	mu       sync.Mutex
	final    bool
	acks     []int
	cancels  int
	noCancel bool
}

func (c *fakeClientRequest) Responses() <-chan Response { return c.responses }

func (c *fakeClientRequest) Ack(res Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, res.Status())
	return nil
}

func (c *fakeClientRequest) Cancel() error {
	c.mu.Lock()
	c.cancels++
	noCancel := c.noCancel
	c.mu.Unlock()
	if noCancel {
		return nil
	}
	c.respond(487, "Request Terminated", "")
	return nil
}

// respond delivers response to UAC. Responses after final are dropped
func (c *fakeClientRequest) respond(status int, reason string, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final {
		return
	}

	res := &fakeResponse{status: status, reason: reason, body: []byte(body)}
	if status >= 200 && status < 300 {
		res.dialogID = "uac-" + c.desc.URI
	}
	c.responses <- res
	if status >= 200 {
		c.final = true
		close(c.responses)
		c.stack.finished()
	}
}

// closeWithoutFinal ends transaction without any final response
func (c *fakeClientRequest) closeWithoutFinal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final {
		return
	}
	c.final = true
	close(c.responses)
	c.stack.finished()
}

func (c *fakeClientRequest) ackedStatuses() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.acks...)
}

func (c *fakeClientRequest) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

type fakeStack struct {
	mu          sync.Mutex
	mws         []Middleware
	failURIs    map[string]error
	inflight    int
	maxInflight int

	calls chan *fakeClientRequest
	total atomic.Int32
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		failURIs: map[string]error{},
		calls:    make(chan *fakeClientRequest, 32),
	}
}

func (s *fakeStack) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mws = append(s.mws, mw)
}

func (s *fakeStack) Request(ctx context.Context, desc RequestDescriptor) (ClientRequest, error) {
	s.mu.Lock()
	if err, ok := s.failURIs[desc.URI]; ok {
		s.mu.Unlock()
		return nil, err
	}
	s.inflight++
	s.maxInflight = max(s.maxInflight, s.inflight)
	s.mu.Unlock()

	s.total.Add(1)
	c := &fakeClientRequest{
		desc:      desc,
		stack:     s,
		responses: make(chan Response, 16),
	}
	s.calls <- c
	return c, nil
}

func (s *fakeStack) finished() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

func (s *fakeStack) maxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight
}

// dispatch runs request through installed middlewares with final handler h
func (s *fakeStack) dispatch(req Request, w ResponseWriter, h Handler) {
	s.mu.Lock()
	mws := append([]Middleware(nil), s.mws...)
	s.mu.Unlock()
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	h(req, w)
}

func (s *fakeStack) nextCall(t *testing.T) *fakeClientRequest {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting outbound request")
	}
	return nil
}

func (s *fakeStack) noMoreCalls(t *testing.T) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("unexpected outbound request to %s", c.desc.URI)
	default:
	}
}

// queueScheduler runs deferred functions only when test asks
type queueScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queueScheduler) Defer(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, f)
}

func (q *queueScheduler) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

func (q *queueScheduler) run() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func testLogger(t *testing.T) zerolog.Logger {
	if testing.Verbose() {
		return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	}
	return zerolog.New(io.Discard)
}

func newTestSrf(t *testing.T, opts ...SrfOption) (*Srf, *fakeStack) {
	t.Helper()
	stack := newFakeStack()
	opts = append([]SrfOption{WithLogger(testLogger(t))}, opts...)
	s := New(stack, opts...)
	require.NotNil(t, s.Router())
	return s, stack
}

// routeInDialog sends in-dialog request through stack middlewares
func routeInDialog(t *testing.T, s *Srf, stack *fakeStack, method string, dialogID string) *fakeResponseWriter {
	t.Helper()
	w := newFakeWriter("")
	stack.dispatch(newFakeInDialog(method, dialogID), w, func(req Request, w ResponseWriter) {
		t.Fatalf("%s for dialog %s was not routed", method, dialogID)
	})
	return w
}

type b2bResult struct {
	uas *Dialog
	uac *Dialog
	err error
}

func runB2B(s *Srf, req Request, w ResponseWriter, destinations []string, opts B2BOptions) <-chan b2bResult {
	ch := make(chan b2bResult, 1)
	go func() {
		uas, uac, err := s.CreateB2BUA(context.Background(), req, w, destinations, opts)
		ch <- b2bResult{uas: uas, uac: uac, err: err}
	}()
	return ch
}

func waitB2B(t *testing.T, ch <-chan b2bResult) b2bResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting bridge")
	}
	return b2bResult{}
}

func errTransport(uri string) error {
	return fmt.Errorf("dial %s: connection refused", uri)
}

func waitRegistered(t *testing.T, s *Srf, dialogID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := s.FindDialog(dialogID)
		return err == nil
	}, waitTimeout, time.Millisecond, "dialog %s not registered", dialogID)
}

// ackDialog routes ACK once UAS dialog got registered
func ackDialog(t *testing.T, s *Srf, stack *fakeStack, dialogID string) {
	t.Helper()
	waitRegistered(t, s, dialogID)
	routeInDialog(t, s, stack, "ACK", dialogID)
}
