// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Srf is signaling resource framework. It creates and tracks dialogs on top of
// Stack and routes in-dialog requests to them.
type Srf struct {
	stack  Stack
	cache  DialogCache
	router *Router

	log       zerolog.Logger
	scheduler Scheduler
	metrics   *Metrics

	evMu      sync.Mutex
	onCDR     []func(cdr CDR)
	onConnect []func()
}

type SrfOption func(s *Srf)

func WithLogger(l zerolog.Logger) SrfOption {
	return func(s *Srf) {
		s.log = l
	}
}

// WithDialogCache replaces default in memory dialog registry
func WithDialogCache(c DialogCache) SrfOption {
	return func(s *Srf) {
		s.cache = c
	}
}

// WithScheduler sets how deferred callbacks are run. Default runs them on new goroutine
func WithScheduler(sch Scheduler) SrfOption {
	return func(s *Srf) {
		s.scheduler = sch
	}
}

func WithMetrics(m *Metrics) SrfOption {
	return func(s *Srf) {
		s.metrics = m
	}
}

// Scheduler runs function at some later point, never inline.
type Scheduler interface {
	Defer(f func())
}

type SchedulerFunc func(f func())

func (fn SchedulerFunc) Defer(f func()) {
	fn(f)
}

type goScheduler struct{}

func (goScheduler) Defer(f func()) {
	go f()
}

// eventSinkSetter is implemented by stacks that report network events
type eventSinkSetter interface {
	SetEventSink(sink EventSink)
}

// New creates Srf on top of stack and installs dialog router as stack middleware
func New(stack Stack, opts ...SrfOption) *Srf {
	s := &Srf{
		stack:     stack,
		log:       log.Logger,
		scheduler: goScheduler{},
	}

	for _, o := range opts {
		o(s)
	}

	if s.cache == nil {
		s.cache = NewDialogCache()
	}

	s.router = NewRouter(s.cache, s.log)
	stack.Use(s.router.Middleware())

	if es, ok := stack.(eventSinkSetter); ok {
		es.SetEventSink(s)
	}
	return s
}

func (s *Srf) Router() *Router {
	return s.router
}

// AddDialog registers dialog so in-dialog requests are routed to it
func (s *Srf) AddDialog(d *Dialog) {
	ctx := context.Background()
	if existing, err := s.cache.DialogLoad(ctx, d.ID); err == nil && existing != d {
		// Replaced dialog is no longer routable
		if existing.registered.CompareAndSwap(true, false) {
			s.metrics.dialogRemoved()
		}
	}

	added := d.registered.CompareAndSwap(false, true)
	if added {
		s.metrics.dialogAdded()
	}
	if err := s.cache.DialogStore(ctx, d.ID, d); err != nil {
		s.log.Error().Err(err).Str("dialog", d.ID).Msg("Failed to store dialog")
		if added && d.registered.CompareAndSwap(true, false) {
			s.metrics.dialogRemoved()
		}
		return
	}
	s.log.Debug().Str("dialog", d.ID).Str("role", string(d.Role)).Msg("Dialog added")
}

// RemoveDialog unregisters dialog. It is noop if dialog is not registered.
func (s *Srf) RemoveDialog(d *Dialog) {
	ctx := context.Background()
	existing, err := s.cache.DialogLoad(ctx, d.ID)
	if err != nil || existing != d {
		return
	}
	if err := s.cache.DialogDelete(ctx, d.ID); err != nil {
		s.log.Error().Err(err).Str("dialog", d.ID).Msg("Failed to delete dialog")
		return
	}
	if d.registered.CompareAndSwap(true, false) {
		s.metrics.dialogRemoved()
	}
	s.log.Debug().Str("dialog", d.ID).Msg("Dialog removed")
}

// FindDialog returns registered dialog by stack dialog id
func (s *Srf) FindDialog(id string) (*Dialog, error) {
	return s.cache.DialogLoad(context.Background(), id)
}

// Dialogs returns snapshot of currently registered dialogs
func (s *Srf) Dialogs() []*Dialog {
	var list []*Dialog
	s.cache.DialogRange(context.Background(), func(id string, d *Dialog) bool {
		list = append(list, d)
		return true
	})
	return list
}
