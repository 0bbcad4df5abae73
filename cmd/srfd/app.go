package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/srfgo/srf"
	"github.com/srfgo/srf/internal/config"
)

// application routes new INVITEs to B2BUA or proxy. In-dialog requests
// are consumed earlier by srf router.
type application struct {
	ctx          context.Context
	srf          *srf.Srf
	log          zerolog.Logger
	mode         string
	destinations []string
	b2b          srf.B2BOptions
	proxy        srf.ProxyOptions
}

func (a *application) handle(req srf.Request, w srf.ResponseWriter) {
	switch {
	case req.Method() == "ACK":
		return
	case req.StackDialogID() != "":
		w.Send(481, "Call/Transaction Does Not Exist", srf.SendOptions{})
		return
	case req.Method() == "OPTIONS":
		w.Send(200, "OK", srf.SendOptions{})
		return
	case req.Method() != "INVITE":
		w.Send(405, "Method Not Allowed", srf.SendOptions{Headers: map[string]string{"Allow": "INVITE, ACK, CANCEL, BYE, OPTIONS"}})
		return
	}

	log := a.log.With().Str("calling", req.CallingNumber()).Str("called", req.CalledNumber()).Logger()
	if a.mode == config.ModeProxy {
		a.handleProxy(req, log)
		return
	}
	a.handleB2B(req, w, log)
}

func (a *application) handleProxy(req srf.Request, log zerolog.Logger) {
	res, err := a.srf.ProxyRequest(a.ctx, req, a.destinations, a.proxy)
	if err != nil {
		log.Error().Err(err).Msg("Proxy failed")
		return
	}
	log.Info().Bool("connected", res.Connected).Int("branches", len(res.Responses)).Msg("Proxy finished")
}

func (a *application) handleB2B(req srf.Request, w srf.ResponseWriter, log zerolog.Logger) {
	uas, uac, err := a.srf.CreateB2BUA(a.ctx, req, w, a.destinations, a.b2b)
	if err != nil {
		log.Info().Err(err).Msg("Bridge not established")
		return
	}
	log.Info().Str("uas", uas.Id()).Str("uac", uac.Id()).Msg("Bridge established")

	// Hangup of one leg hangs up the other
	uas.OnDestroy(func(bye srf.Request) { a.hangup(uac, log) })
	uac.OnDestroy(func(bye srf.Request) { a.hangup(uas, log) })
}

func (a *application) hangup(d *srf.Dialog, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Destroy(ctx); err != nil {
		log.Error().Err(err).Str("dialog", d.Id()).Msg("Failed to hangup")
	}
}
