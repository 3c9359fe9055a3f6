// Package alerting pushes operator alerts about dead-lettered deliveries to
// chat platforms (Slack, Discord). Each platform implements the Alerter
// interface; the digester periodically builds a dead-letter digest from the
// store and fans it out to every configured alerter.
package alerting

import (
	"context"
	"errors"
)

// Alerter delivers one alert to a chat platform.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Alert is a platform-neutral alert message.
type Alert struct {
	Title  string
	Body   string
	Color  string // sidebar/embed color hint, e.g. "#e01e5a"
	Fields []Field
}

// Field is a key-value pair rendered alongside the alert body.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Fanout sends to every alerter and reports all failures together, so one
// broken platform doesn't silence the others.
type Fanout []Alerter

func (f Fanout) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, a := range f {
		if err := a.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
