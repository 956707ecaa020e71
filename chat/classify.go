package chat

import (
	"strings"

	"github.com/onnwee/tmilink/correlate"
)

// msg-id values that fail the pending command.
// https://dev.twitch.tv/docs/irc/msg-id
var denyIDs = map[string]struct{}{
	"invalid_user":                 {},
	"msg_banned":                   {},
	"msg_channel_suspended":        {},
	"msg_duplicate":                {},
	"msg_ratelimit":                {},
	"msg_rejected_mandatory":       {},
	"msg_room_not_found":           {},
	"msg_suspended":                {},
	"no_permission":                {},
	"raid_error_self":              {},
	"raid_error_unexpected":        {},
	"raid_notice_mature":           {},
	"raid_notice_restricted_chat":  {},
	"tos_ban":                      {},
	"turbo_only_color":             {},
	"unavailable_command":          {},
	"unraid_error_unexpected":      {},
	"unrecognized_cmd":             {},
	"whisper_banned":               {},
	"whisper_invalid_login":        {},
	"whisper_invalid_self":         {},
	"whisper_restricted":           {},
	"whisper_restricted_recipient": {},
}

// msg-id values that acknowledge the pending command without being its
// explicit reply (informational, no-op outcomes).
var allowIDs = map[string]struct{}{
	"msg_bad_characters":                 {},
	"msg_channel_blocked":                {},
	"msg_rejected":                       {},
	"msg_requires_verified_phone_number": {},
	"msg_slowmode":                       {},
	"msg_subsonly":                       {},
	"msg_timedout":                       {},
	"msg_verified_email":                 {},
	"raid_error_already_raiding":         {},
	"raid_error_forbidden":               {},
	"raid_error_too_many_viewers":        {},
	"timeout_no_timeout":                 {},
	"unraid_error_no_active_raid":        {},
	"whisper_banned_recipient":           {},
	"whisper_limit_per_min":              {},
	"whisper_limit_per_sec":              {},
}

var allowPrefixes = []string{"already_", "no_", "usage_"}

// Denied reports whether a msg-id fails the pending command.
func Denied(id string) bool {
	if id == "" {
		return false
	}
	if strings.HasPrefix(id, "bad_") {
		return true
	}
	_, ok := denyIDs[id]
	return ok
}

// Allowed reports whether a msg-id is a benign acknowledgement. Deny takes
// precedence, so callers check Denied first.
func Allowed(id string) bool {
	if id == "" {
		return false
	}
	for _, p := range allowPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	_, ok := allowIDs[id]
	return ok
}

// Classify is the correlation classifier for chat messages: the identifier
// is the msg-id tag and the rejection reason is the notice text.
func Classify(m *Message) correlate.Classification {
	id := m.MsgID()
	switch {
	case Denied(id):
		return correlate.Classification{Verdict: correlate.Deny, ID: id, Reason: m.Parameters}
	case Allowed(id):
		return correlate.Classification{Verdict: correlate.Allow, ID: id, Reason: m.Parameters}
	default:
		return correlate.Classification{}
	}
}
