// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"strings"
)

// Request is an inbound SIP request as delivered by the signaling stack.
type Request interface {
	Method() string
	Body() []byte
	// StackDialogID is the id of the dialog the request belongs to.
	// Empty for requests outside of dialog
	StackDialogID() string
	CallingNumber() string
	CalledNumber() string
	Header(name string) string
	// Canceled is closed when CANCEL is received for this request
	Canceled() <-chan struct{}
	// Proxy forwards request. See ProxyOptions
	Proxy(ctx context.Context, opts ProxyOptions) (ProxyResult, error)
}

// Response is a SIP response, either sent by us or received on outbound request.
type Response interface {
	Status() int
	Reason() string
	Body() []byte
	Header(name string) string
	// StackDialogID is dialog id this response establishes, if any
	StackDialogID() string
}

// InDialogRequester is implemented by responses that established a dialog
// and can be used to send requests within it (BYE, re-INVITE, INFO...).
type InDialogRequester interface {
	InDialogRequest(ctx context.Context, method string, opts SendOptions) (Response, error)
}

type SendOptions struct {
	// Headers to add. Keys are case insensitive
	Headers map[string]string
	Body    string
}

// ResponseWriter sends responses for an inbound request.
type ResponseWriter interface {
	Send(status int, reason string, opts SendOptions) (Response, error)
}

// RequestDescriptor describes a new outbound request
type RequestDescriptor struct {
	Method  string
	URI     string
	Headers map[string]string
	Body    string
}

// ClientRequest is an outbound request in flight.
type ClientRequest interface {
	// Responses delivers provisional and final responses. Channel is closed
	// after final response or when transaction ends.
	Responses() <-chan Response
	// Ack completes handshake for final response. Must be called for every final response.
	Ack(res Response) error
	// Cancel sends CANCEL. Safe to call more than once
	Cancel() error
}

type Handler func(req Request, w ResponseWriter)

type Middleware func(next Handler) Handler

// Stack is the SIP transport and transaction engine srf runs on.
// See package stack for sipgo implementation.
type Stack interface {
	Request(ctx context.Context, desc RequestDescriptor) (ClientRequest, error)
	// Use installs middleware ahead of application handler.
	Use(mw Middleware)
}

// EventSink receives events the stack observes on network.
type EventSink interface {
	EmitConnect()
	EmitCDR(cdr CDR)
}

// copyHeaders makes snapshot of headers with lower cased names
func copyHeaders(h map[string]string) map[string]string {
	c := make(map[string]string, len(h))
	for k, v := range h {
		c[strings.ToLower(k)] = v
	}
	return c
}
