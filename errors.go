// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTerminated is the outcome of any establishment aborted by CANCEL.
	// Compare with errors.Is. Do not modify.
	ErrRequestTerminated = &SipError{Status: 487, Reason: "Request Terminated"}

	ErrDialogDoesNotExists  = errors.New("dialog does not exist")
	ErrInDialogNotSupported = errors.New("stack does not support in-dialog requests for this dialog")
)

// SipError is a failure carrying a SIP status code and reason phrase.
type SipError struct {
	Status int
	Reason string

	// cause is set when the status was synthesized from a transport error
	cause error
}

func NewSipError(status int, reason string) *SipError {
	return &SipError{Status: status, Reason: reason}
}

func (e *SipError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("sip error %d %s: %s", e.Status, e.Reason, e.cause.Error())
	}
	return fmt.Sprintf("sip error %d %s", e.Status, e.Reason)
}

func (e *SipError) Unwrap() error {
	return e.cause
}

// Is matches any SipError with same status and reason
func (e *SipError) Is(target error) bool {
	t, ok := target.(*SipError)
	if !ok {
		return false
	}
	return e.Status == t.Status && e.Reason == t.Reason
}

func errRequestTerminated() *SipError {
	return &SipError{Status: ErrRequestTerminated.Status, Reason: ErrRequestTerminated.Reason}
}

// sipErrorFrom returns err as SipError. Transport errors become 503.
func sipErrorFrom(err error) *SipError {
	var e *SipError
	if errors.As(err, &e) {
		return e
	}
	return &SipError{Status: 503, Reason: "Service Unavailable", cause: err}
}

// IsRequestTerminated reports whether err is outcome of CANCEL
func IsRequestTerminated(err error) bool {
	return errors.Is(err, ErrRequestTerminated)
}
