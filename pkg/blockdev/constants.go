package blockdev

import "time"

// Default tool paths and timings.
const (
	// DefaultSettleDelay is how long Rescan waits after partprobe before
	// checking the device node.
	DefaultSettleDelay = time.Second
	// settleInterval is the poll interval while waiting for a device node.
	settleInterval = 200 * time.Millisecond
	// settleAttempts bounds the node wait (about two seconds).
	settleAttempts = 10
)
