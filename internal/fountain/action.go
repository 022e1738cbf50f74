package fountain

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a one-shot operation a button can trigger. The numeric values
// are the codes accepted in configuration.
type Action uint8

const (
	ActionRefresh     Action = 0
	ActionResetFilter Action = 1
	ActionSetDatetime Action = 2
	ActionInitSession Action = 3
	ActionSync        Action = 4
)

var actionNames = [...]string{
	ActionRefresh:     "refresh",
	ActionResetFilter: "reset_filter",
	ActionSetDatetime: "set_datetime",
	ActionInitSession: "init_session",
	ActionSync:        "sync",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ActionFromCode maps a numeric action code. Codes outside 0..4 are rejected.
func ActionFromCode(code int) (Action, error) {
	if code < 0 || code >= len(actionNames) {
		return 0, fmt.Errorf("%w: code %d", ErrUnknownAction, code)
	}
	return Action(code), nil
}

// ParseAction accepts either an action name or its numeric code.
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		return ActionFromCode(n)
	}
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}
