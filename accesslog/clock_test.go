// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockTracksWallClock(t *testing.T) {
	c, err := newClock()
	require.NoError(t, err)

	got := c.now()
	now := time.Now().Unix()
	// The coarse clock lags by at most one tick; allow generous
	// slack either way.
	assert.InDelta(t, now, got.Sec, 2)
	assert.GreaterOrEqual(t, got.Msec, int64(0))
	assert.Less(t, got.Msec, int64(1000))
}

func TestClockMonotone(t *testing.T) {
	c, err := newClock()
	require.NoError(t, err)

	prev := c.now()
	for i := 0; i < 100; i++ {
		cur := c.now()
		if cur.Sec < prev.Sec || (cur.Sec == prev.Sec && cur.Msec < prev.Msec) {
			t.Fatalf("clock went backwards: %+v after %+v", cur, prev)
		}
		prev = cur
	}
}
