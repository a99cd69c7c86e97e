package pubsub

import (
	"errors"
	"log"
)

// Message is a JSON-serializable dashboard payload. Every message carries a
// "type" discriminator so subscribers can route it.
type Message map[string]interface{}

// Publisher pushes dashboard messages to subscribed clients, grouped by
// terminal or globally.
type Publisher interface {
	PublishToTerminal(terminalID string, msg Message) error
	PublishToAll(msg Message) error
}

// Fanout delivers every message through each wrapped publisher. A failure in
// one publisher never blocks delivery through the others; the first error is
// returned after all deliveries were attempted.
type Fanout []Publisher

func (f Fanout) PublishToTerminal(terminalID string, msg Message) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishToTerminal(terminalID, msg); err != nil {
			log.Printf("publish to terminal %s failed: %v", terminalID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishToAll(msg Message) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishToAll(msg); err != nil {
			log.Printf("broadcast publish failed: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
