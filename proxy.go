// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"strings"
	"time"
)

type Forking string

const (
	ForkingSequential Forking = "sequential"
	ForkingParallel   Forking = "parallel"
)

type ProxyOptions struct {
	// Destinations is set by ProxyRequest
	Destinations []string
	// Forking is sequential (default) or parallel
	Forking Forking
	// RemainInDialog adds Record-Route so in-dialog requests traverse us
	RemainInDialog bool
	// ProvisionalTimeout is time to wait for provisional response per destination. Zero means no timeout
	ProvisionalTimeout time.Duration
	// FinalTimeout is time to wait for final response per destination. Zero means no timeout
	FinalTimeout time.Duration
	// FollowRedirects retries with Contact targets of 3xx response
	FollowRedirects bool
}

type ProxyResult struct {
	// Connected is true if any destination answered with 2xx
	Connected bool
	Responses []ProxyResponse
}

type ProxyResponse struct {
	Address string
	Port    int
	Msgs    []ProxyMessage
}

type ProxyMessage struct {
	Time   time.Time
	Status int
	Msg    string
}

// ProxyRequest forwards inbound request to destinations using stack proxy.
func (s *Srf) ProxyRequest(ctx context.Context, req Request, destinations []string, opts ProxyOptions) (ProxyResult, error) {
	if len(destinations) == 0 {
		panic("srf: ProxyRequest requires at least one destination")
	}
	for _, d := range destinations {
		if strings.TrimSpace(d) == "" {
			panic("srf: ProxyRequest destination must not be empty")
		}
	}

	switch opts.Forking {
	case "":
		opts.Forking = ForkingSequential
	case ForkingSequential, ForkingParallel:
	default:
		panic("srf: ProxyRequest forking must be sequential or parallel")
	}

	opts.Destinations = append([]string(nil), destinations...)
	return req.Proxy(ctx, opts)
}
