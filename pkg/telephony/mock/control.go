package mock

import (
	"context"
	"sync"
)

type Action struct {
	Kind   string
	CallID string
	Text   string
}

// Control records what the dialogue core asked the call to do.
type Control struct {
	mu      sync.Mutex
	actions []Action
	// PlayErr and EndErr are returned from the matching calls when set.
	PlayErr error
	EndErr  error
}

func New() *Control { return &Control{} }

func (c *Control) PlayText(_ context.Context, callID, text string) error {
	c.record(Action{Kind: "play", CallID: callID, Text: text})
	return c.PlayErr
}

func (c *Control) EndCall(_ context.Context, callID string) error {
	c.record(Action{Kind: "end", CallID: callID})
	return c.EndErr
}

func (c *Control) EndCallWithMessage(_ context.Context, callID, text string) error {
	c.record(Action{Kind: "farewell", CallID: callID, Text: text})
	return c.EndErr
}

func (c *Control) record(a Action) {
	c.mu.Lock()
	c.actions = append(c.actions, a)
	c.mu.Unlock()
}

func (c *Control) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Action(nil), c.actions...)
}

// Played returns the texts played on callID, in order.
func (c *Control) Played(callID string) []string {
	var out []string
	for _, a := range c.Actions() {
		if a.CallID == callID && a.Kind == "play" {
			out = append(out, a.Text)
		}
	}
	return out
}

// Ended reports whether callID was hung up, with or without a farewell.
func (c *Control) Ended(callID string) bool {
	for _, a := range c.Actions() {
		if a.CallID == callID && (a.Kind == "end" || a.Kind == "farewell") {
			return true
		}
	}
	return false
}
