package controlplane

import "context"

// Recorder receives the outcome of every control-plane call.
type Recorder interface {
	ObserveControlRequest(op string, err error)
}

type instrumented struct {
	next Client
	rec  Recorder
}

// Instrumented wraps next so every call is reported to rec.
func Instrumented(next Client, rec Recorder) Client {
	if rec == nil {
		return next
	}
	return &instrumented{next: next, rec: rec}
}

func (c *instrumented) Play(ctx context.Context, deviceID, url string) error {
	err := c.next.Play(ctx, deviceID, url)
	c.rec.ObserveControlRequest("play", err)
	return err
}

func (c *instrumented) Stop(ctx context.Context, deviceID string) error {
	err := c.next.Stop(ctx, deviceID)
	c.rec.ObserveControlRequest("stop", err)
	return err
}
