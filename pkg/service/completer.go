package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// CompletedEvent is the event emitted by EmitterCompleter.
const CompletedEvent = "activity.completed"

// Completion is passed to a Completer when work started by a process is
// acknowledged.
type Completion struct {
	Owner  string          `json:"-"`
	Token  json.RawMessage `json:"token"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Completer is notified about acknowledged work.
type Completer interface {
	Completed(ctx context.Context, c Completion) error
}

// NopCompleter ignores completions.
type NopCompleter struct{}

// Completed does nothing.
func (NopCompleter) Completed(context.Context, Completion) error { return nil }

// EmitterCompleter publishes completions to the log as CompletedEvent.
type EmitterCompleter struct {
	Emitter *Emitter
}

// Completed emits c under the owner's key.
func (e EmitterCompleter) Completed(ctx context.Context, c Completion) error {
	_, err := e.Emitter.Emit(ctx, c.Owner, CompletedEvent, c, nil)
	return errors.Wrap(err, "unable to emit completion")
}

// designatesProcess reports whether token is an object with a processId.
func designatesProcess(token json.RawMessage) bool {
	if len(token) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(token, &fields); err != nil {
		return false
	}
	id, ok := fields["processId"]
	return ok && string(id) != "null" && string(id) != `""`
}
