// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		uri    string
		called string
		expect string
	}{
		{uri: "sip:bob@example.com", expect: "sip:bob@example.com"},
		{uri: "sips:bob@example.com:5061", expect: "sips:bob@example.com:5061"},
		{uri: "tel:+15551234", expect: "tel:+15551234"},
		{uri: "10.0.0.1:5060", called: "1234", expect: "sip:1234@10.0.0.1:5060"},
		{uri: "10.0.0.1", expect: "sip:10.0.0.1"},
		{uri: "bob@10.0.0.1", called: "1234", expect: "sip:bob@10.0.0.1"},
	}

	for _, tc := range tests {
		t.Run(tc.uri, func(t *testing.T) {
			assert.Equal(t, tc.expect, normalizeURI(tc.uri, tc.called))
		})
	}
}

func TestCreateUACDialogSuccess(t *testing.T) {
	s, stack := newTestSrf(t)

	var provisional []int
	a, err := s.CreateUACDialog(context.Background(), UACOptions{
		URI:           "10.0.0.1:5060",
		CalledNumber:  "1234",
		CallingNumber: "5678",
		Headers:       map[string]string{"X-Trace": "abc"},
		LocalSDP:      "v=0 offer",
	}, func(res Response) {
		provisional = append(provisional, res.Status())
	})
	require.NoError(t, err)
	assert.Equal(t, "sip:1234@10.0.0.1:5060", a.URI)

	call := stack.nextCall(t)
	assert.Equal(t, "INVITE", call.desc.Method)
	assert.Equal(t, "sip:1234@10.0.0.1:5060", call.desc.URI)
	assert.Equal(t, "sip:5678@localhost", call.desc.Headers["from"])
	assert.Equal(t, "sip:5678@localhost", call.desc.Headers["contact"])
	assert.Equal(t, "abc", call.desc.Headers["x-trace"])
	assert.Equal(t, "v=0 offer", call.desc.Body)

	call.respond(100, "Trying", "")
	call.respond(180, "Ringing", "")
	call.respond(183, "Session Progress", "v=0 early")
	call.respond(200, "OK", "v=0 answer")

	d, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{180, 183}, provisional)
	assert.Equal(t, []int{200}, call.ackedStatuses())

	assert.Equal(t, RoleUAC, d.Role)
	assert.Equal(t, "v=0 answer", d.Remote.SDP)
	assert.Equal(t, "v=0 offer", d.Local.SDP)
	assert.Equal(t, DialogStateConfirmed, d.State())
	found, err := s.FindDialog(d.ID)
	require.NoError(t, err)
	assert.Same(t, d, found)
}

func TestCreateUACDialogExplicitFromKept(t *testing.T) {
	s, stack := newTestSrf(t)

	_, err := s.CreateUACDialog(context.Background(), UACOptions{
		URI:           "sip:bob@example.com",
		CallingNumber: "5678",
		Headers:       map[string]string{"From": "<sip:alice@example.com>"},
	}, nil)
	require.NoError(t, err)

	call := stack.nextCall(t)
	assert.Equal(t, "<sip:alice@example.com>", call.desc.Headers["from"])
	assert.Equal(t, "sip:5678@localhost", call.desc.Headers["contact"])
	call.respond(486, "Busy Here", "")
}

func TestCreateUACDialogFailure(t *testing.T) {
	s, stack := newTestSrf(t)

	a, err := s.CreateUACDialog(context.Background(), UACOptions{URI: "sip:bob@example.com"}, nil)
	require.NoError(t, err)

	call := stack.nextCall(t)
	call.respond(486, "Busy Here", "")

	<-a.Done()
	d, err := a.Result()
	assert.Nil(t, d)
	var e *SipError
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 486, e.Status)
	assert.Equal(t, "Busy Here", e.Reason)
	assert.Equal(t, []int{486}, call.ackedStatuses(), "non 2xx final must be acked")
	assert.Empty(t, s.Dialogs())
}

func TestCreateUACDialogSendFailure(t *testing.T) {
	s, stack := newTestSrf(t)
	stack.failURIs["sip:bob@example.com"] = errTransport("sip:bob@example.com")

	a, err := s.CreateUACDialog(context.Background(), UACOptions{URI: "sip:bob@example.com"}, nil)
	require.Error(t, err)
	assert.Nil(t, a)
}

func TestCreateUACDialogCancel(t *testing.T) {
	s, stack := newTestSrf(t)

	a, err := s.CreateUACDialog(context.Background(), UACOptions{URI: "sip:bob@example.com"}, nil)
	require.NoError(t, err)
	call := stack.nextCall(t)

	require.NoError(t, a.Cancel())
	require.NoError(t, a.Cancel())

	<-a.Done()
	_, err = a.Result()
	assert.True(t, IsRequestTerminated(err))
	assert.Equal(t, 1, call.cancelCount())
}

func TestCreateUACDialogContextCanceled(t *testing.T) {
	s, stack := newTestSrf(t)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := s.CreateUACDialog(ctx, UACOptions{URI: "sip:bob@example.com"}, nil)
	require.NoError(t, err)
	call := stack.nextCall(t)

	cancel()
	<-a.Done()
	_, err = a.Result()
	assert.True(t, IsRequestTerminated(err))
	assert.Equal(t, 1, call.cancelCount())
}

func TestCreateUACDialogNoFinalResponse(t *testing.T) {
	s, stack := newTestSrf(t)

	a, err := s.CreateUACDialog(context.Background(), UACOptions{URI: "sip:bob@example.com"}, nil)
	require.NoError(t, err)
	call := stack.nextCall(t)
	call.respond(180, "Ringing", "")
	call.closeWithoutFinal()

	<-a.Done()
	_, err = a.Result()
	var e *SipError
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 408, e.Status)
}

func TestDial(t *testing.T) {
	s, stack := newTestSrf(t)

	go func() {
		call := <-stack.calls
		call.respond(200, "OK", "v=0 answer")
	}()

	d, err := s.Dial(context.Background(), UACOptions{URI: "sip:bob@example.com", LocalSDP: "v=0"})
	require.NoError(t, err)
	assert.Equal(t, "uac-sip:bob@example.com", d.ID)
}

func TestCreateUACDialogRequiresURI(t *testing.T) {
	s, _ := newTestSrf(t)
	assert.Panics(t, func() {
		s.CreateUACDialog(context.Background(), UACOptions{}, nil)
	})
}
