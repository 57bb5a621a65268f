package channel

import (
	"fmt"
	"strings"

	"gltchgate/internal/domain"
)

// BuildSessionID builds the channel-agnostic session key
// "channelID:chatType:part1:part2...". Every plugin derives session ids
// through this helper so the same conversation always maps to the same key.
func BuildSessionID(channelID string, chatType domain.ChatType, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(channelID)
	sb.WriteByte(':')
	sb.WriteString(string(chatType))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

// ParseQualifiedTarget decomposes "channelID:type:id..." into a TargetRef.
// It reports false when input is not qualified for channelID.
func ParseQualifiedTarget(channelID, input string) (domain.TargetRef, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(input), channelID+":")
	if !ok {
		return domain.TargetRef{}, false
	}
	kind, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return domain.TargetRef{}, false
	}
	ct, ok := domain.ParseChatType(kind)
	if !ok {
		return domain.TargetRef{}, false
	}
	return domain.TargetRef{Type: ct, ID: id}, true
}

// StripChannelPrefix removes a leading "channelID:" and an optional chat type
// segment, leaving the platform-native remainder.
func StripChannelPrefix(channelID, input string) string {
	input = strings.TrimSpace(input)
	rest, ok := strings.CutPrefix(input, channelID+":")
	if !ok {
		return input
	}
	if kind, id, found := strings.Cut(rest, ":"); found {
		if _, known := domain.ParseChatType(kind); known {
			return id
		}
	}
	return rest
}

// LastSegment returns the part after the last colon of a composite id.
func LastSegment(id string) string {
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func errUnrecognizedTarget(channelID, input string) error {
	return fmt.Errorf("%s: unrecognized target id %q", channelID, input)
}
