package trace

import (
	"fmt"
	"strings"
)

// VersionError is returned when a trace was written by a newer recorder than
// this viewer understands.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("trace format version %d was created by a newer version of Playwright and is not supported by this viewer (latest supported: %d); use the latest viewer to open it", e.Version, LatestVersion)
}

// MissingActionError is returned when an input, log or after event refers to
// an action that was never started.
type MissingActionError struct {
	EventType string
	CallID    string
}

func (e *MissingActionError) Error() string {
	return fmt.Sprintf("%s event refers to unknown action %q", e.EventType, e.CallID)
}

// MissingActionPolicy selects how events for unknown actions are handled.
type MissingActionPolicy int

const (
	// PreservePolicy ignores log events for unknown actions and fails on
	// input and after events.
	PreservePolicy MissingActionPolicy = iota
	// TolerantPolicy ignores every event for an unknown action.
	TolerantPolicy
	// StrictPolicy fails on every event for an unknown action.
	StrictPolicy
)

// ParseMissingActionPolicy maps a config value to a policy. The empty string
// selects PreservePolicy.
func ParseMissingActionPolicy(s string) (MissingActionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "preserve":
		return PreservePolicy, nil
	case "tolerate":
		return TolerantPolicy, nil
	case "strict":
		return StrictPolicy, nil
	}
	return PreservePolicy, fmt.Errorf("unknown missing_actions policy %q (want preserve, tolerate or strict)", s)
}

func (p MissingActionPolicy) String() string {
	switch p {
	case TolerantPolicy:
		return "tolerate"
	case StrictPolicy:
		return "strict"
	}
	return "preserve"
}

// fails reports whether an event of the given type for an unknown action is
// an error under p.
func (p MissingActionPolicy) fails(eventType string) bool {
	switch p {
	case TolerantPolicy:
		return false
	case StrictPolicy:
		return true
	}
	return eventType != "log"
}
