package controller

import (
	"context"
	"errors"
	"time"
)

// Client wraps a Controller with the yield-and-retry behavior the spec
// expects of an endpoint I/O caller that gets RETRY back: back off and try
// again rather than busy-spinning the Service's single message loop.
type Client struct {
	ctrl    *Controller
	backoff time.Duration
	maxWait time.Duration
}

// NewClient wraps ctrl with a default backoff schedule. backoff is the
// initial retry delay; it doubles (capped at maxWait) on each consecutive
// RETRY.
func NewClient(ctrl *Controller, backoff, maxWait time.Duration) *Client {
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 50 * time.Millisecond
	}
	return &Client{ctrl: ctrl, backoff: backoff, maxWait: maxWait}
}

// Open retries IOOpen until it succeeds, fails for a reason other than
// mailbox contention, or ctx is done.
func (c *Client) Open(ctx context.Context, callerSlot int, peerEndpointID uint32) (int, error) {
	var fd int
	err := c.retry(ctx, func() error {
		var err error
		fd, err = c.ctrl.IOOpen(callerSlot, peerEndpointID)
		return err
	})
	return fd, err
}

// Close retries IOClose under the same policy as Open.
func (c *Client) Close(ctx context.Context, callerSlot int, fd int) error {
	return c.retry(ctx, func() error {
		return c.ctrl.IOClose(callerSlot, fd)
	})
}

// Read retries IORead under the same policy as Open.
func (c *Client) Read(ctx context.Context, callerSlot int, fd int, max int) ([]byte, error) {
	var out []byte
	err := c.retry(ctx, func() error {
		var err error
		out, err = c.ctrl.IORead(callerSlot, fd, max)
		return err
	})
	return out, err
}

// Write retries IOWrite under the same policy as Open.
func (c *Client) Write(ctx context.Context, callerSlot int, fd int, data []byte) (int, error) {
	var n int
	err := c.retry(ctx, func() error {
		var err error
		n, err = c.ctrl.IOWrite(callerSlot, fd, data)
		return err
	})
	return n, err
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	delay := c.backoff
	for {
		err := op()
		if !errors.Is(err, ErrMailboxBusy) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > c.maxWait {
			delay = c.maxWait
		}
	}
}
