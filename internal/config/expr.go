// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"

	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// This file is the only place in the module that imports expr-lang/expr.
// Everything downstream of config only ever sees plain Go closures —
// the analytics core never parses an expression string, mirroring how
// internal/tagger/classifyJob.go keeps rule compilation at the edge and
// hands the rest of the system compiled *vm.Program values to Run.

func exprEnv(e event.Event) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"level":     string(e.Level),
			"source":    e.Source,
			"message":   e.Message,
			"metadata":  e.Metadata,
			"timestamp": e.Timestamp,
		},
		"level":    string(e.Level),
		"source":   e.Source,
		"message":  e.Message,
		"metadata": e.Metadata,
	}
}

func sampleEnv() map[string]any {
	return map[string]any{
		"event": map[string]any{
			"level":     "",
			"source":    "",
			"message":   "",
			"metadata":  map[string]any{},
			"timestamp": nil,
		},
		"level":    "",
		"source":   "",
		"message":  "",
		"metadata": map[string]any{},
	}
}

// compileFilter compiles src into a func(event.Event) bool, matching the
// "filter" config field's contract: a boolean-valued restricted
// expression over the event.
func compileFilter(src string) (func(event.Event) bool, error) {
	program, err := expr.Compile(src, expr.Env(sampleEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: compiling filter %q: %v", ErrInvalidConfig, src, err)
	}
	return func(e event.Event) bool {
		out, err := vm.Run(program, exprEnv(e))
		if err != nil {
			return false
		}
		b, _ := out.(bool)
		return b
	}, nil
}

// compileGroupBy compiles src into a func(event.Event) string, matching
// the "group_by" config field's contract.
func compileGroupBy(src string) (func(event.Event) string, error) {
	program, err := expr.Compile(src, expr.Env(sampleEnv()))
	if err != nil {
		return nil, fmt.Errorf("%w: compiling group_by %q: %v", ErrInvalidConfig, src, err)
	}
	return func(e event.Event) string {
		out, err := vm.Run(program, exprEnv(e))
		if err != nil {
			return ""
		}
		return fmt.Sprint(out)
	}, nil
}

// compileValueExtractor compiles src into a func(event.Event) (float64,
// error), matching the "value_extractor" config field's contract.
func compileValueExtractor(src string) (func(event.Event) (float64, error), error) {
	program, err := expr.Compile(src, expr.Env(sampleEnv()), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("%w: compiling value_extractor %q: %v", ErrInvalidConfig, src, err)
	}
	return func(e event.Event) (float64, error) {
		out, err := vm.Run(program, exprEnv(e))
		if err != nil {
			return 0, fmt.Errorf("%w: evaluating value_extractor %q: %v", ErrInvalidConfig, src, err)
		}
		v, ok := out.(float64)
		if !ok {
			return 0, fmt.Errorf("%w: value_extractor %q did not yield a number", ErrInvalidConfig, src)
		}
		return v, nil
	}, nil
}
