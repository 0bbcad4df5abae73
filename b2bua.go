// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"sync"
	"time"
)

type B2BOptions struct {
	// Headers for outbound INVITE
	Headers map[string]string
	// ResponseHeaders are added to 200 OK sent on inbound leg
	ResponseHeaders map[string]string

	CallingNumber string
	CalledNumber  string

	// LocalSDPA is sent on inbound leg. Default is SDP answered by outbound leg
	LocalSDPA string
	// LocalSDPB is offer on outbound leg. Default is inbound INVITE body
	LocalSDPB string

	// OnProvisional is called for every provisional response relayed to caller
	OnProvisional func(res Response)
}

// b2bState is shared between bridge loop, cancel watcher and response goroutines
type b2bState struct {
	mu          sync.Mutex
	committed   bool
	canceled    bool
	finished    bool
	lastFailure *SipError
	current     *UACAttempt
	bye         Request
}

func (st *b2bState) cancel() {
	st.mu.Lock()
	if st.finished || st.canceled {
		st.mu.Unlock()
		return
	}
	st.canceled = true
	st.lastFailure = errRequestTerminated()
	a := st.current
	st.mu.Unlock()

	if a != nil {
		a.Cancel()
	}
}

// shouldSkip reports that no new destination may be attempted
func (st *b2bState) shouldSkip() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committed || st.canceled
}

func (st *b2bState) setCurrent(a *UACAttempt) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = a
	return !st.canceled
}

func (st *b2bState) fail(err *SipError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = nil
	if st.canceled {
		return
	}
	st.lastFailure = err
}

func (st *b2bState) isCanceled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.canceled
}

func (st *b2bState) finish() {
	st.mu.Lock()
	st.finished = true
	st.current = nil
	st.mu.Unlock()
}

func (st *b2bState) captureBye(bye Request) {
	st.mu.Lock()
	st.bye = bye
	st.mu.Unlock()
}

func (st *b2bState) takeBye() Request {
	st.mu.Lock()
	defer st.mu.Unlock()
	bye := st.bye
	st.bye = nil
	return bye
}

// CreateB2BUA bridges inbound INVITE to first destination that answers.
//
// Destinations are tried in order until one answers. Once any destination sends
// provisional response above 100, it is relayed to caller and no further
// destinations are tried. CANCEL from caller is propagated to outbound leg
// and bridge ends with ErrRequestTerminated.
// On failure, final response is already sent to caller.
func (s *Srf) CreateB2BUA(ctx context.Context, req Request, w ResponseWriter, destinations []string, opts B2BOptions) (uas *Dialog, uac *Dialog, err error) {
	if len(destinations) == 0 {
		panic("srf: CreateB2BUA requires at least one destination")
	}

	headers := copyHeaders(opts.Headers)
	callingNumber := opts.CallingNumber
	if _, ok := headers["from"]; !ok && callingNumber == "" {
		callingNumber = req.CallingNumber()
	}
	calledNumber := opts.CalledNumber
	if _, ok := headers["to"]; !ok && calledNumber == "" {
		calledNumber = req.CalledNumber()
	}
	localSDPB := opts.LocalSDPB
	if localSDPB == "" {
		localSDPB = string(req.Body())
	}
	localSDPA := opts.LocalSDPA
	respHeaders := copyHeaders(opts.ResponseHeaders)
	onProvisional := opts.OnProvisional

	log := s.log.With().Str("calling", callingNumber).Str("called", calledNumber).Logger()
	st := &b2bState{}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-req.Canceled():
			log.Info().Msg("Caller canceled, propagating CANCEL")
		case <-ctx.Done():
		case <-stopWatch:
			return
		}
		st.cancel()
	}()

	relay := func(res Response) {
		if st.isCanceled() {
			return
		}
		sendOpts := SendOptions{}
		if len(res.Body()) > 0 {
			sendOpts.Body = string(res.Body())
			if localSDPA != "" {
				sendOpts.Body = localSDPA
			}
		}
		if _, err := w.Send(res.Status(), res.Reason(), sendOpts); err != nil {
			log.Error().Err(err).Int("status", res.Status()).Msg("Failed to relay provisional response")
		}
		if onProvisional != nil {
			onProvisional(res)
		}

		st.mu.Lock()
		st.committed = true
		st.mu.Unlock()
	}

	var winner *Dialog
	for _, dest := range destinations {
		if st.shouldSkip() {
			log.Debug().Str("destination", dest).Msg("Skipping destination")
			continue
		}

		s.metrics.b2bAttempt()
		a, err := s.CreateUACDialog(ctx, UACOptions{
			URI:           dest,
			Headers:       headers,
			LocalSDP:      localSDPB,
			CallingNumber: callingNumber,
			CalledNumber:  calledNumber,
		}, relay)
		if err != nil {
			log.Error().Err(err).Str("destination", dest).Msg("Failed to start outbound attempt")
			st.fail(sipErrorFrom(err))
			continue
		}

		if !st.setCurrent(a) {
			a.Cancel()
		}

		<-a.Done()
		d, err := a.Result()
		if err != nil {
			log.Info().Err(err).Str("destination", dest).Msg("Outbound attempt failed")
			st.fail(sipErrorFrom(err))
			continue
		}

		if st.isCanceled() {
			// Answered while caller was canceling
			log.Info().Str("dialog", d.ID).Msg("Outbound leg answered after CANCEL, hanging up")
			s.teardown(d)
			continue
		}

		// BYE can come before inbound leg is established
		if bye := d.capture(st.captureBye); bye != nil {
			st.captureBye(bye)
		}
		winner = d
		break
	}

	close(stopWatch)
	st.finish()

	if winner == nil {
		st.mu.Lock()
		fail := st.lastFailure
		canceled := st.canceled
		st.mu.Unlock()
		if fail == nil {
			fail = NewSipError(500, "Server Internal Error")
		}

		if _, err := w.Send(fail.Status, fail.Reason, SendOptions{}); err != nil {
			log.Error().Err(err).Int("status", fail.Status).Msg("Failed to send final response")
		}
		if canceled {
			s.metrics.b2bResult(B2BResultCanceled)
		} else {
			s.metrics.b2bResult(B2BResultFailed)
		}
		return nil, nil, fail
	}

	if localSDPA == "" {
		localSDPA = winner.Remote.SDP
	}
	if localSDPA == "" {
		fail := NewSipError(488, "Not Acceptable Here")
		if _, err := w.Send(fail.Status, fail.Reason, SendOptions{}); err != nil {
			log.Error().Err(err).Msg("Failed to send final response")
		}
		winner.OnDestroy(nil)
		s.teardown(winner)
		s.metrics.b2bResult(B2BResultFailed)
		return nil, nil, fail
	}

	uas, err = s.CreateUASDialog(ctx, req, w, UASOptions{
		Headers:  respHeaders,
		LocalSDP: localSDPA,
	})
	if err != nil {
		log.Info().Err(err).Str("dialog", winner.ID).Msg("Inbound leg failed, hanging up outbound leg")
		winner.OnDestroy(nil)
		s.teardown(winner)
		if IsRequestTerminated(err) {
			s.metrics.b2bResult(B2BResultCanceled)
		} else {
			s.metrics.b2bResult(B2BResultFailed)
		}
		return nil, nil, err
	}

	winner.capture(nil)
	if bye := st.takeBye(); bye != nil {
		log.Info().Str("dialog", winner.ID).Msg("Outbound leg hung up before bridge completed")
		winner.replayDestroy(bye)
	}

	s.metrics.b2bResult(B2BResultConnected)
	return uas, winner, nil
}

// teardown hangs up dialog not handed to application
func (s *Srf) teardown(d *Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Destroy(ctx); err != nil {
		s.log.Error().Err(err).Str("dialog", d.ID).Msg("Failed to hang up dialog")
	}
}
