// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package srf

import (
	"context"
	"sync"
)

// DialogCache is registry of live dialogs keyed by stack dialog id.
// It must be safe for concurrent use.
type DialogCache interface {
	DialogStore(ctx context.Context, id string, d *Dialog) error
	DialogLoad(ctx context.Context, id string) (*Dialog, error)
	DialogDelete(ctx context.Context, id string) error
	DialogRange(ctx context.Context, f func(id string, d *Dialog) bool) error
}

// Non optimized for now
type dialogCacheMap struct{ sync.Map }

func NewDialogCache() DialogCache {
	return &dialogCacheMap{}
}

func (m *dialogCacheMap) DialogStore(ctx context.Context, id string, d *Dialog) error {
	m.Store(id, d)
	return nil
}

func (m *dialogCacheMap) DialogDelete(ctx context.Context, id string) error {
	m.Delete(id)
	return nil
}

func (m *dialogCacheMap) DialogLoad(ctx context.Context, id string) (*Dialog, error) {
	d, ok := m.Load(id)
	if !ok {
		return nil, ErrDialogDoesNotExists
	}
	return d.(*Dialog), nil
}

func (m *dialogCacheMap) DialogRange(ctx context.Context, f func(id string, d *Dialog) bool) error {
	m.Range(func(key, value any) bool {
		return f(key.(string), value.(*Dialog))
	})
	return nil
}
