// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Router delivers in-dialog requests to registered dialogs.
type Router struct {
	cache DialogCache
	log   zerolog.Logger
}

func NewRouter(cache DialogCache, log zerolog.Logger) *Router {
	return &Router{cache: cache, log: log}
}

// Route hands request to matching dialog. It returns false if request does not
// belong to any registered dialog and should be processed further.
func (r *Router) Route(req Request, w ResponseWriter) bool {
	id := req.StackDialogID()
	if id == "" {
		return false
	}

	d, err := r.cache.DialogLoad(context.Background(), id)
	if err != nil {
		if !errors.Is(err, ErrDialogDoesNotExists) {
			r.log.Error().Err(err).Str("dialog", id).Msg("Dialog lookup failed")
		}
		return false
	}

	r.log.Debug().Str("dialog", id).Str("method", req.Method()).Msg("Routing in-dialog request")
	d.Handle(req, w)
	return true
}

func (r *Router) Middleware() Middleware {
	return func(next Handler) Handler {
		return func(req Request, w ResponseWriter) {
			if r.Route(req, w) {
				return
			}
			next(req, w)
		}
	}
}
