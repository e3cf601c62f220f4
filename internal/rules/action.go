package rules

import (
	"encoding/json"
	"strings"
)

// Action types supported by the engine.
const (
	ActionDrop             = "drop"
	ActionRoute            = "route"
	ActionMutate           = "mutate"
	ActionIncrementCounter = "increment_counter"
	ActionResetCounter     = "reset_counter"
	ActionSetFlag          = "set_flag"
)

type Action struct {
	Type      string         `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Target    string         `json:"target,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Counter   string         `json:"counter,omitempty"`
	Amount    int            `json:"amount,omitempty"`
	Flag      string         `json:"flag,omitempty"`
	FlagValue *bool          `json:"flag_value,omitempty"`
	Stop      *bool          `json:"stop,omitempty"`
}

func compileAction(raw json.RawMessage) (*Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	a.Type = strings.TrimSpace(a.Type)
	return &a, nil
}

// stopAfter reports whether evaluation halts after this action fires.
// Default true: the first matching rule ends the pass unless it opts out.
func (a *Action) stopAfter() bool {
	if a.Type == ActionDrop {
		return true
	}
	if a.Stop == nil {
		return true
	}
	return *a.Stop
}

// applyMutate writes the action's dotted-path assignments into the working
// payload/metadata copies. Paths prefixed "payload." or "metadata." pick the
// map; bare paths go to the payload.
func (a *Action) applyMutate(payload, metadata map[string]any) {
	for path, value := range a.Fields {
		switch {
		case strings.HasPrefix(path, "metadata."):
			setPath(metadata, strings.TrimPrefix(path, "metadata."), value)
		case strings.HasPrefix(path, "payload."):
			setPath(payload, strings.TrimPrefix(path, "payload."), value)
		default:
			setPath(payload, path, value)
		}
	}
}

// applyState mutates DeviceState for the counter/flag action family.
func (a *Action) applyState(state *DeviceState) {
	switch a.Type {
	case ActionIncrementCounter:
		amount := a.Amount
		if amount == 0 {
			amount = 1
		}
		state.Counters[a.Counter] += amount
	case ActionResetCounter:
		state.Counters[a.Counter] = 0
	case ActionSetFlag:
		value := true
		if a.FlagValue != nil {
			value = *a.FlagValue
		}
		state.Flags[a.Flag] = value
	}
}
