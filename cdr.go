// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import "time"

type CDRKind string

const (
	CDRAttempt CDRKind = "cdr:attempt"
	CDRStart   CDRKind = "cdr:start"
	CDRStop    CDRKind = "cdr:stop"
)

type CDRSource string

const (
	SourceNetwork     CDRSource = "network"
	SourceApplication CDRSource = "application"
)

type CDRRole string

const (
	CDRRoleUAC      CDRRole = "uac"
	CDRRoleUAS      CDRRole = "uas"
	CDRRoleUACProxy CDRRole = "uac-proxy"
	CDRRoleUASProxy CDRRole = "uas-proxy"
)

// CDR is call detail record event
type CDR struct {
	Kind     CDRKind
	Source   CDRSource
	Time     time.Time
	Msg      string
	Role     CDRRole
	DialogID string
}

// OnCDR subscribes to call detail record events. Handlers are called
// synchronously and must not block.
func (s *Srf) OnCDR(f func(cdr CDR)) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.onCDR = append(s.onCDR, f)
}

// OnConnect subscribes to stack connect event.
func (s *Srf) OnConnect(f func()) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	s.onConnect = append(s.onConnect, f)
}

func (s *Srf) EmitCDR(cdr CDR) {
	if cdr.Time.IsZero() {
		cdr.Time = time.Now()
	}
	s.evMu.Lock()
	subs := s.onCDR
	s.evMu.Unlock()
	for _, f := range subs {
		f(cdr)
	}
}

func (s *Srf) EmitConnect() {
	s.evMu.Lock()
	subs := s.onConnect
	s.evMu.Unlock()
	for _, f := range subs {
		f()
	}
}
