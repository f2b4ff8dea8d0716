// Package permission decides whether an agent action fires
// automatically, needs the user's approval, or is suppressed. The
// resolver is a pure lookup over the user's per-action settings plus
// the high-match flag; every call is independent and side-effect free.
package permission

import "github.com/kindling-ai/kindred/internal/matching"

// ActionType enumerates the actions the assistant can take on the
// user's behalf.
type ActionType string

const (
	ActionSendMessage       ActionType = "send_message"
	ActionSendEmail         ActionType = "send_email"
	ActionScheduleMeeting   ActionType = "schedule_meeting"
	ActionShareProfile      ActionType = "share_profile"
	ActionRequestConnection ActionType = "request_connection"
)

// ActionTypes lists every known action type in a fixed order.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionSendMessage,
		ActionSendEmail,
		ActionScheduleMeeting,
		ActionShareProfile,
		ActionRequestConnection,
	}
}

// Valid reports whether a is one of the enumerated action types.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes() {
		if a == known {
			return true
		}
	}
	return false
}

// Setting is the user's autonomy level for one action type.
type Setting string

const (
	SettingAlwaysAsk     Setting = "always_ask"
	SettingAutoHighMatch Setting = "auto_high_match"
	SettingAlwaysAuto    Setting = "always_auto"
	SettingNever         Setting = "never"
)

// Valid reports whether s is one of the enumerated settings.
func (s Setting) Valid() bool {
	switch s {
	case SettingAlwaysAsk, SettingAutoHighMatch, SettingAlwaysAuto, SettingNever:
		return true
	}
	return false
}

// Decision is the resolver's verdict for one action.
type Decision string

const (
	// DecisionExecute performs the action now.
	DecisionExecute Decision = "execute"
	// DecisionAsk surfaces the proposed action to the user without
	// performing it.
	DecisionAsk Decision = "request_approval"
	// DecisionSuppress never performs the action.
	DecisionSuppress Decision = "suppress"
)

// Resolve maps (action, match, settings) to a Decision:
//
//	never           → suppress
//	always_ask      → request_approval
//	always_auto     → execute
//	auto_high_match → execute iff the match is high, else request_approval
//
// A missing settings entry or an unrecognized setting value fails
// closed to request_approval — degraded input must always route toward
// asking the human, never toward silent execution or suppression.
func Resolve(action ActionType, match matching.Result, settings map[ActionType]Setting) Decision {
	setting, ok := settings[action]
	if !ok {
		setting = SettingAlwaysAsk
	}

	switch setting {
	case SettingNever:
		return DecisionSuppress
	case SettingAlwaysAuto:
		return DecisionExecute
	case SettingAutoHighMatch:
		if match.IsHighMatch {
			return DecisionExecute
		}
		return DecisionAsk
	default:
		return DecisionAsk
	}
}
