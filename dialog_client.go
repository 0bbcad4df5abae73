// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

type UACOptions struct {
	// URI is request target. Either full sip:, sips:, tel: URI or bare host[:port]
	URI     string
	Headers map[string]string
	// LocalSDP is offer sent in INVITE
	LocalSDP string
	// CallingNumber sets default From and Contact when they are not in Headers
	CallingNumber string
	// CalledNumber is used as user part when URI is bare host
	CalledNumber string
}

// UACAttempt is outbound INVITE in progress.
type UACAttempt struct {
	URI string

	req        ClientRequest
	cancelOnce sync.Once
	cancelErr  error

	done   chan struct{}
	dialog *Dialog
	err    error
}

// Cancel sends CANCEL for this attempt. Attempt still completes with final response,
// normally 487 Request Terminated.
func (a *UACAttempt) Cancel() error {
	a.cancelOnce.Do(func() {
		a.cancelErr = a.req.Cancel()
	})
	return a.cancelErr
}

// Done is closed when attempt completes
func (a *UACAttempt) Done() <-chan struct{} {
	return a.done
}

// Result returns outcome. Valid only after Done is closed
func (a *UACAttempt) Result() (*Dialog, error) {
	return a.dialog, a.err
}

// Wait blocks until attempt completes. On ctx done attempt is canceled and
// Wait still waits for final outcome.
func (a *UACAttempt) Wait(ctx context.Context) (*Dialog, error) {
	select {
	case <-a.done:
		return a.Result()
	case <-ctx.Done():
	}

	a.Cancel()
	<-a.done
	return a.Result()
}

// CreateUACDialog sends INVITE and returns attempt that completes with final response.
// onProvisional is called for every provisional response except 100 Trying.
// Error is returned only if INVITE could not be sent.
func (s *Srf) CreateUACDialog(ctx context.Context, opts UACOptions, onProvisional func(res Response)) (*UACAttempt, error) {
	if opts.URI == "" {
		panic("srf: CreateUACDialog requires URI")
	}

	headers := copyHeaders(opts.Headers)
	if opts.CallingNumber != "" {
		def := "sip:" + opts.CallingNumber + "@localhost"
		if _, ok := headers["from"]; !ok {
			headers["from"] = def
		}
		if _, ok := headers["contact"]; !ok {
			headers["contact"] = def
		}
	}

	desc := RequestDescriptor{
		Method:  "INVITE",
		URI:     normalizeURI(opts.URI, opts.CalledNumber),
		Headers: headers,
		Body:    opts.LocalSDP,
	}

	req, err := s.stack.Request(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to send INVITE to %s: %w", desc.URI, err)
	}

	s.EmitCDR(CDR{
		Kind:   CDRAttempt,
		Source: SourceApplication,
		Time:   time.Now(),
		Msg:    "INVITE " + desc.URI,
		Role:   CDRRoleUAC,
	})

	a := &UACAttempt{
		URI:  desc.URI,
		req:  req,
		done: make(chan struct{}),
	}
	go s.runUACAttempt(ctx, a, desc, onProvisional)
	return a, nil
}

func (s *Srf) runUACAttempt(ctx context.Context, a *UACAttempt, desc RequestDescriptor, onProvisional func(res Response)) {
	defer close(a.done)

	log := s.log.With().Str("uri", desc.URI).Logger()
	ctxDone := ctx.Done()
	responses := a.req.Responses()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			if err := a.Cancel(); err != nil {
				log.Error().Err(err).Msg("Failed to send CANCEL")
			}
			continue
		case res, more := <-responses:
			if !more {
				a.err = NewSipError(408, "Request Timeout")
				return
			}

			status := res.Status()
			if status < 200 {
				log.Debug().Int("status", status).Msg("Provisional response")
				if status > 100 && onProvisional != nil {
					onProvisional(res)
				}
				continue
			}

			if err := a.req.Ack(res); err != nil {
				log.Error().Err(err).Int("status", status).Msg("Failed to ACK final response")
			}

			if status >= 300 {
				a.err = NewSipError(status, res.Reason())
				return
			}

			d := newUACDialog(s, desc, res)
			s.AddDialog(d)
			a.dialog = d

			log.Info().Str("dialog", d.ID).Msg("UAC dialog established")
			s.EmitCDR(CDR{
				Kind:     CDRStart,
				Source:   SourceApplication,
				Time:     time.Now(),
				Msg:      fmt.Sprintf("%d %s", status, res.Reason()),
				Role:     CDRRoleUAC,
				DialogID: d.ID,
			})
			return
		}
	}
}

// Dial creates UAC dialog and waits for it to be established
func (s *Srf) Dial(ctx context.Context, opts UACOptions) (*Dialog, error) {
	a, err := s.CreateUACDialog(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	return a.Wait(ctx)
}

// normalizeURI turns bare host[:port] into sip URI. Parseable URIs are returned as is.
func normalizeURI(uri string, calledNumber string) string {
	if isRequestURI(uri) {
		return uri
	}

	if !strings.Contains(uri, "@") {
		if calledNumber != "" {
			return "sip:" + calledNumber + "@" + uri
		}
		return "sip:" + uri
	}
	return "sip:" + uri
}

func isRequestURI(uri string) bool {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "tel:"):
		return len(uri) > len("tel:")
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"):
		var u sip.Uri
		if err := sip.ParseUri(uri, &u); err != nil {
			return false
		}
		return u.Host != ""
	}
	return false
}
