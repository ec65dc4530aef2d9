package delivery

import (
	"context"
	"errors"

	"pinga/service/notification"
	"pinga/service/subscription"
)

// Sender delivers a payload to one destination. Implementations never panic
// on bad input and never return Go errors: every failure is a Result with
// Success false.
type Sender interface {
	Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) Result
}

type SenderFunc func(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) Result

func (f SenderFunc) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) Result {
	return f(ctx, cfg, p)
}

type Result struct {
	Channel  subscription.ChannelType `json:"channel"`
	Name     string                   `json:"name,omitempty"`
	Success  bool                     `json:"success"`
	Error    string                   `json:"error,omitempty"`
	RawError string                   `json:"rawError,omitempty"`
}

func Success() Result {
	return Result{Success: true}
}

// Failure converts err into a failed Result, keeping a truncated upstream
// body when err is an *HTTPError.
func Failure(err error) Result {
	r := Result{Success: false, Error: err.Error()}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		r.RawError = TruncateRaw(httpErr.Body)
	}
	return r
}

// Report aggregates per-channel outcomes of one dispatch.
type Report struct {
	Results []Result `json:"results"`
}

// Delivered is true when at least one channel accepted the payload.
func (r Report) Delivered() bool {
	for _, res := range r.Results {
		if res.Success {
			return true
		}
	}
	return false
}

func (r Report) SuccessCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}
