// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"fmt"
	"time"
)

type UASOptions struct {
	// Headers added to 200 OK
	Headers map[string]string
	// LocalSDP is our session description sent in 200 OK. Required
	LocalSDP string
}

// CreateUASDialog answers inbound INVITE with 200 OK and waits for ACK.
// If caller cancels before ACK, error is ErrRequestTerminated.
func (s *Srf) CreateUASDialog(ctx context.Context, req Request, w ResponseWriter, opts UASOptions) (*Dialog, error) {
	if opts.LocalSDP == "" {
		panic("srf: CreateUASDialog requires LocalSDP")
	}

	res, err := w.Send(200, "OK", SendOptions{
		Headers: copyHeaders(opts.Headers),
		Body:    opts.LocalSDP,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send 200 OK: %w", err)
	}

	d := newUASDialog(s, req, res)
	// Register before waiting so ACK can be routed to us
	s.AddDialog(d)

	select {
	case <-d.Acked():
	case <-req.Canceled():
		// ACK may have raced with CANCEL. ACK wins
		select {
		case <-d.Acked():
		default:
			d.discard()
			return nil, errRequestTerminated()
		}
	case <-ctx.Done():
		d.discard()
		return nil, ctx.Err()
	}

	s.log.Info().Str("dialog", d.ID).Msg("UAS dialog established")
	s.EmitCDR(CDR{
		Kind:     CDRStart,
		Source:   SourceApplication,
		Time:     time.Now(),
		Msg:      "200 OK",
		Role:     CDRRoleUAS,
		DialogID: d.ID,
	})
	return d, nil
}
