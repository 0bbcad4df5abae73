// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uasResult struct {
	d   *Dialog
	err error
}

func runUAS(ctx context.Context, s *Srf, req Request, w ResponseWriter, opts UASOptions) <-chan uasResult {
	ch := make(chan uasResult, 1)
	go func() {
		d, err := s.CreateUASDialog(ctx, req, w, opts)
		ch <- uasResult{d, err}
	}()
	return ch
}

func TestCreateUASDialogAck(t *testing.T) {
	s, stack := newTestSrf(t)

	var cdrs []CDR
	cdrCh := make(chan CDR, 4)
	s.OnCDR(func(cdr CDR) { cdrCh <- cdr })

	req := newFakeInvite("v=0 offer")
	w := newFakeWriter("call1;uas;caller")
	ch := runUAS(context.Background(), s, req, w, UASOptions{
		Headers:  map[string]string{"X-Custom": "1"},
		LocalSDP: "v=0 answer",
	})

	sent := w.next(t)
	assert.Equal(t, 200, sent.status)
	assert.Equal(t, "v=0 answer", sent.opts.Body)
	assert.Equal(t, "1", sent.opts.Headers["x-custom"])

	// Dialog is routable before ACK
	ackDialog(t, s, stack, "call1;uas;caller")

	res := <-ch
	require.NoError(t, res.err)
	d := res.d
	assert.Equal(t, RoleUAS, d.Role)
	assert.Equal(t, "call1;uas;caller", d.ID)
	assert.Equal(t, "v=0 answer", d.Local.SDP)
	assert.Equal(t, "v=0 offer", d.Remote.SDP)
	assert.Equal(t, DialogStateConfirmed, d.State())

	found, err := s.FindDialog(d.ID)
	require.NoError(t, err)
	assert.Same(t, d, found)

	cdrs = append(cdrs, <-cdrCh)
	assert.Equal(t, CDRStart, cdrs[0].Kind)
	assert.Equal(t, CDRRoleUAS, cdrs[0].Role)
	assert.Equal(t, SourceApplication, cdrs[0].Source)
}

func TestCreateUASDialogCanceled(t *testing.T) {
	s, _ := newTestSrf(t)

	req := newFakeInvite("v=0 offer")
	w := newFakeWriter("call1;uas;caller")
	ch := runUAS(context.Background(), s, req, w, UASOptions{LocalSDP: "v=0 answer"})

	w.next(t)
	req.cancel()

	res := <-ch
	require.Error(t, res.err)
	assert.Nil(t, res.d)
	assert.True(t, IsRequestTerminated(res.err))

	_, err := s.FindDialog("call1;uas;caller")
	assert.ErrorIs(t, err, ErrDialogDoesNotExists)
}

func TestCreateUASDialogAckWinsOverLateCancel(t *testing.T) {
	s, stack := newTestSrf(t)

	req := newFakeInvite("v=0 offer")
	w := newFakeWriter("call1;uas;caller")
	ch := runUAS(context.Background(), s, req, w, UASOptions{LocalSDP: "v=0 answer"})

	w.next(t)
	ackDialog(t, s, stack, "call1;uas;caller")
	res := <-ch
	require.NoError(t, res.err)

	// Cancel after ACK has no effect
	req.cancel()
	time.Sleep(10 * time.Millisecond)
	_, err := s.FindDialog("call1;uas;caller")
	assert.NoError(t, err)
	assert.Equal(t, DialogStateConfirmed, res.d.State())
}

func TestCreateUASDialogAckAndCancelBothSignaled(t *testing.T) {
	s, stack := newTestSrf(t)

	req := newFakeInvite("v=0 offer")
	w := newFakeWriter("call1;uas;caller")
	ch := runUAS(context.Background(), s, req, w, UASOptions{LocalSDP: "v=0 answer"})

	w.next(t)
	ackDialog(t, s, stack, "call1;uas;caller")
	req.cancel()

	res := <-ch
	require.NoError(t, res.err, "ack observed before cancel must win")
	assert.NotNil(t, res.d)
}

func TestCreateUASDialogContextDone(t *testing.T) {
	s, _ := newTestSrf(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := newFakeInvite("v=0 offer")
	w := newFakeWriter("call1;uas;caller")
	ch := runUAS(ctx, s, req, w, UASOptions{LocalSDP: "v=0 answer"})

	w.next(t)
	cancel()

	res := <-ch
	require.ErrorIs(t, res.err, context.Canceled)
	_, err := s.FindDialog("call1;uas;caller")
	assert.ErrorIs(t, err, ErrDialogDoesNotExists)
}

func TestCreateUASDialogSendFailure(t *testing.T) {
	s, _ := newTestSrf(t)

	sendErr := errors.New("write: broken pipe")
	w := newFakeWriter("call1;uas;caller")
	w.err = sendErr

	d, err := s.CreateUASDialog(context.Background(), newFakeInvite("v=0"), w, UASOptions{LocalSDP: "v=0 answer"})
	require.ErrorIs(t, err, sendErr)
	assert.Nil(t, d)
	assert.Empty(t, s.Dialogs())
}

func TestCreateUASDialogRequiresLocalSDP(t *testing.T) {
	s, _ := newTestSrf(t)
	assert.Panics(t, func() {
		s.CreateUASDialog(context.Background(), newFakeInvite("v=0"), newFakeWriter(""), UASOptions{})
	})
}
