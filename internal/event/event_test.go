// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CanonicalizesLevel(t *testing.T) {
	e, err := New(time.Now(), "error", "app", "boom", nil)
	require.NoError(t, err)
	assert.Equal(t, LevelError, e.Level)
	assert.NotNil(t, e.Metadata)
}

func TestNew_RejectsEmptySourceOrMessage(t *testing.T) {
	_, err := New(time.Now(), "INFO", "", "msg", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = New(time.Now(), "INFO", "app", "", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(time.Now(), "VERBOSE", "app", "msg", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEvent_RoundTripsThroughMap(t *testing.T) {
	original, err := New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), "warning", "svc", "disk low", map[string]any{"disk": "sda1"})
	require.NoError(t, err)

	m := original.ToMap()
	restored, err := FromMap(m)
	require.NoError(t, err)

	assert.True(t, original.Equal(restored))
}

func TestEvent_Equal(t *testing.T) {
	a, _ := New(time.Unix(0, 0), "INFO", "app", "hi", map[string]any{"k": "v"})
	b, _ := New(time.Unix(0, 0), "INFO", "app", "hi", map[string]any{"k": "v"})
	c, _ := New(time.Unix(0, 0), "INFO", "app", "bye", map[string]any{"k": "v"})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
