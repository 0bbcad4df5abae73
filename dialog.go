// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

type Role string

const (
	RoleUAS Role = "uas"
	RoleUAC Role = "uac"
)

const (
	DialogStateEarly      = "early"
	DialogStateConfirmed  = "confirmed"
	DialogStateTerminated = "terminated"
)

type DialogSide struct {
	URI string
	SDP string
}

// Dialog is one established call leg.
//
// Dialog emits at most one ack signal (UAS only) and at most one destroy
// signal, when remote side sends BYE. Local Destroy does not emit destroy.
type Dialog struct {
	ID     string
	Role   Role
	Local  DialogSide
	Remote DialogSide

	srf *Srf
	// res is response that established dialog. Used for in-dialog requests
	res Response

	state *fsm.FSM
	// registered is set while dialog is counted in active dialogs
	registered atomic.Bool

	ackOnce sync.Once
	ackCh   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
	onDestroy  func(bye Request)
	pendingBye Request
	onRequest  func(req Request, w ResponseWriter)
}

func newDialog(s *Srf, role Role, res Response, initial string) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialog{
		ID:     res.StackDialogID(),
		Role:   role,
		srf:    s,
		res:    res,
		state:  newDialogFSM(initial),
		ackCh:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// newUASDialog is created after 200 OK is sent. It waits ACK in early state
func newUASDialog(s *Srf, req Request, res Response) *Dialog {
	d := newDialog(s, RoleUAS, res, DialogStateEarly)
	d.Local = DialogSide{URI: res.Header("To"), SDP: string(res.Body())}
	d.Remote = DialogSide{URI: req.Header("From"), SDP: string(req.Body())}
	return d
}

// newUACDialog is created after 2xx is acked so it starts confirmed
func newUACDialog(s *Srf, desc RequestDescriptor, res Response) *Dialog {
	d := newDialog(s, RoleUAC, res, DialogStateConfirmed)
	d.Local = DialogSide{URI: desc.Headers["from"], SDP: desc.Body}
	d.Remote = DialogSide{URI: desc.URI, SDP: string(res.Body())}
	return d
}

func newDialogFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "ack", Src: []string{DialogStateEarly}, Dst: DialogStateConfirmed},
			{Name: "destroy", Src: []string{DialogStateEarly, DialogStateConfirmed}, Dst: DialogStateTerminated},
		},
		fsm.Callbacks{},
	)
}

func (d *Dialog) Id() string {
	return d.ID
}

// Context is canceled when dialog terminates
func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) State() string {
	return d.state.Current()
}

// Acked is closed when ACK for our 200 OK is received
func (d *Dialog) Acked() <-chan struct{} {
	return d.ackCh
}

// OnDestroy sets observer for remote hangup. Passing nil detaches current observer.
// If dialog was destroyed while no observer was set, observer is called
// asynchronously with the BYE that was received.
func (d *Dialog) OnDestroy(f func(bye Request)) {
	d.mu.Lock()
	d.onDestroy = f
	if f == nil || d.pendingBye == nil {
		d.mu.Unlock()
		return
	}
	bye := d.pendingBye
	d.pendingBye = nil
	d.mu.Unlock()

	d.srf.scheduler.Defer(func() { f(bye) })
}

// capture installs destroy observer and returns BYE parked while no observer was set.
// Unlike OnDestroy parked BYE is handed back to caller instead of being deferred.
func (d *Dialog) capture(f func(bye Request)) Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = f
	bye := d.pendingBye
	d.pendingBye = nil
	return bye
}

// OnRequest sets handler for in-dialog requests other than ACK and BYE.
func (d *Dialog) OnRequest(f func(req Request, w ResponseWriter)) {
	d.mu.Lock()
	d.onRequest = f
	d.mu.Unlock()
}

// Handle processes in-dialog request. Router calls this for every request matching dialog ID.
func (d *Dialog) Handle(req Request, w ResponseWriter) {
	method := strings.ToUpper(req.Method())
	switch method {
	case "ACK":
		d.ack()
		return
	case "BYE":
		if _, err := w.Send(200, "OK", SendOptions{}); err != nil {
			d.srf.log.Error().Err(err).Str("dialog", d.ID).Msg("Failed to respond BYE")
		}
		d.remoteDestroy(req)
		return
	}

	d.mu.Lock()
	h := d.onRequest
	d.mu.Unlock()
	if h != nil {
		h(req, w)
		return
	}

	opts := SendOptions{}
	if method == "INVITE" {
		// Refresh or hold. We keep our session as is
		opts.Body = d.Local.SDP
	}
	if _, err := w.Send(200, "OK", opts); err != nil {
		d.srf.log.Error().Err(err).Str("dialog", d.ID).Str("method", method).Msg("Failed to respond in-dialog request")
	}
}

// Request sends request within dialog
func (d *Dialog) Request(ctx context.Context, method string, opts SendOptions) (Response, error) {
	r, ok := d.res.(InDialogRequester)
	if !ok {
		return nil, ErrInDialogNotSupported
	}
	return r.InDialogRequest(ctx, method, opts)
}

// Destroy hangups dialog by sending BYE. It is noop if dialog is already terminated.
func (d *Dialog) Destroy(ctx context.Context) error {
	if !d.markTerminated() {
		return nil
	}

	var err error
	if _, ok := d.res.(InDialogRequester); ok {
		_, err = d.Request(ctx, "BYE", SendOptions{})
	}
	d.terminate(SourceApplication, "BYE")
	return err
}

func (d *Dialog) ack() {
	d.ackOnce.Do(func() {
		_ = d.state.Event(context.Background(), "ack")
		close(d.ackCh)
	})
}

func (d *Dialog) markTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return false
	}
	d.terminated = true
	return true
}

func (d *Dialog) remoteDestroy(bye Request) {
	if !d.markTerminated() {
		return
	}
	d.terminate(SourceNetwork, "BYE")
	d.deliverDestroy(bye)
}

// terminate moves dialog to terminated state and removes it from registry
func (d *Dialog) terminate(source CDRSource, msg string) {
	_ = d.state.Event(context.Background(), "destroy")
	d.cancel()
	d.srf.RemoveDialog(d)
	d.srf.EmitCDR(CDR{
		Kind:     CDRStop,
		Source:   source,
		Time:     time.Now(),
		Msg:      msg,
		Role:     CDRRole(d.Role),
		DialogID: d.ID,
	})
}

// discard drops dialog that never got exposed to caller
func (d *Dialog) discard() {
	if !d.markTerminated() {
		return
	}
	_ = d.state.Event(context.Background(), "destroy")
	d.cancel()
	d.srf.RemoveDialog(d)
}

func (d *Dialog) deliverDestroy(bye Request) {
	d.mu.Lock()
	f := d.onDestroy
	if f == nil {
		d.pendingBye = bye
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	f(bye)
}

// replayDestroy re-emits captured destroy on next scheduling turn
func (d *Dialog) replayDestroy(bye Request) {
	d.srf.scheduler.Defer(func() {
		d.deliverDestroy(bye)
	})
}
