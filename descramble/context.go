/*
NAME
  context.go - target PID set and latency accounting shared between
  scrambling stages.

DESCRIPTION
  See Readme.md

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package descramble

import (
	"sync"
	"time"
)

// StreamContext holds the state a scrambling stage shares with its siblings
// working on the same transport stream: the set of targeted PIDs and the
// largest downstream latency any of them has observed.
type StreamContext struct {
	mu      sync.Mutex
	pids    map[uint16]struct{}
	latency time.Duration
}

// NewStreamContext returns an empty StreamContext. With no PIDs added every
// PID is considered targeted.
func NewStreamContext() *StreamContext {
	return &StreamContext{pids: make(map[uint16]struct{})}
}

// AddPID adds pid to the targeted set.
func (c *StreamContext) AddPID(pid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pids[pid] = struct{}{}
}

// DelPID removes pid from the targeted set.
func (c *StreamContext) DelPID(pid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pids, pid)
}

// CheckPID reports whether pid is targeted. An empty set targets every PID.
func (c *StreamContext) CheckPID(pid uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pids) == 0 {
		return true
	}
	_, ok := c.pids[pid]
	return ok
}

// SetMaxLatency records a downstream latency observation, keeping the
// largest value reported by any stage sharing the context.
func (c *StreamContext) SetMaxLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > c.latency {
		c.latency = d
	}
}

// MaxLatency returns the largest downstream latency recorded so far.
func (c *StreamContext) MaxLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}
