package conversation

import (
	"context"
	"fmt"
	"log"
)

// Events receives engine notifications. Returned errors and panics are
// logged and never interrupt the turn.
type Events interface {
	Emergency(ctx context.Context, alert EmergencyAlert) error
	NotesUpdated(ctx context.Context, notes SessionNotes) error
}

type NopEvents struct{}

func (NopEvents) Emergency(context.Context, EmergencyAlert) error  { return nil }
func (NopEvents) NotesUpdated(context.Context, SessionNotes) error { return nil }

// notify runs fn and reports its error or panic instead of propagating it.
func notify(event string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			log.Printf("[conversation] %s subscriber failed: %v", event, err)
		}
	}()
	return fn()
}
