// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"time"

	"github.com/ClusterCockpit/loglens/pkg/log"
)

type ctxKey string

const ctxKeyBegin ctxKey = "begin"

// queryHooks satisfies sqlhooks.Hooks, logging every statement's SQL,
// arguments and elapsed time at debug level.
type queryHooks struct{}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("SQL query %s %q", query, args)
	return context.WithValue(ctx, ctxKeyBegin, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, _ := ctx.Value(ctxKeyBegin).(time.Time)
	log.Debugf("Took: %s", time.Since(begin))
	return ctx, nil
}
