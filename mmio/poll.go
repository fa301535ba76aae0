package mmio

import (
	"errors"
	"fmt"
	"time"
)

// PollInterval is the delay between samples in WaitSet32 and WaitClear32.
var PollInterval = 10 * time.Millisecond

// ErrTimeout indicates a register did not reach the expected state in time.
var ErrTimeout = errors.New("register poll timeout")

// WaitSet32 polls until all bits in mask are set at offset.
// Hardware sets such bits asynchronously after a command; the wait is bounded
// and returns ErrTimeout instead of hanging.
func WaitSet32(r Region, offset, mask uint32, timeout time.Duration) error {
	return wait(r, offset, mask, mask, timeout)
}

// WaitClear32 polls until all bits in mask are clear at offset.
func WaitClear32(r Region, offset, mask uint32, timeout time.Duration) error {
	return wait(r, offset, mask, 0, timeout)
}

func wait(r Region, offset, mask, expected uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if r.Read32(offset)&mask == expected {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(PollInterval)
	}
	// one final sample: the bit may have flipped during the last sleep
	if r.Read32(offset)&mask == expected {
		return nil
	}
	return fmt.Errorf("%w: offset %#x mask %#x expected %#x after %v", ErrTimeout, offset, mask, expected, timeout)
}
