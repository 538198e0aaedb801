package service

import (
	"log"
)

// NoopSMS is the placeholder SMS collaborator. The surrounding platform
// has no SMS provider wired up yet; dispatches with SMS enabled log and
// report delivered so the channel plumbing stays exercised.
//
// TODO: replace with a real provider adapter once the platform settles on
// an SMS gateway.
type NoopSMS struct{}

// Send logs the would-be SMS and succeeds
func (NoopSMS) Send(subject, recipient, body string) error {
	log.Printf("SMS (noop) to %s: %s", recipient, subject)
	return nil
}
