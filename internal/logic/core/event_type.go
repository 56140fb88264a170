package core

import (
	"strings"
	"unicode"
)

// EventType 规范化的程序事件类型，全系统只使用这一套枚举
type EventType string

const (
	EventUnknown          EventType = ""
	EventPlayerCreated    EventType = "PLAYER_CREATED"
	EventBusinessCreated  EventType = "BUSINESS_CREATED"
	EventBusinessUpgraded EventType = "BUSINESS_UPGRADED"
	EventBusinessSold     EventType = "BUSINESS_SOLD"
	EventEarningsUpdated  EventType = "EARNINGS_UPDATED"
	EventEarningsClaimed  EventType = "EARNINGS_CLAIMED"
)

// AllEventTypes 已知事件类型
var AllEventTypes = []EventType{
	EventPlayerCreated,
	EventBusinessCreated,
	EventBusinessUpgraded,
	EventBusinessSold,
	EventEarningsUpdated,
	EventEarningsClaimed,
}

// ParseEventType 把 "BusinessCreated" / "business_created" / "BUSINESS_CREATED" 统一为规范枚举，
// 未知名称返回 EventUnknown
func ParseEventType(name string) EventType {
	normalized := EventType(toUpperSnake(strings.TrimSpace(name)))
	for _, t := range AllEventTypes {
		if t == normalized {
			return t
		}
	}
	return EventUnknown
}

// CamelName 返回链上事件结构体名，如 BusinessCreated
func (t EventType) CamelName() string {
	var sb strings.Builder
	for _, part := range strings.Split(string(t), "_") {
		if part == "" {
			continue
		}
		sb.WriteString(part[:1])
		sb.WriteString(strings.ToLower(part[1:]))
	}
	return sb.String()
}

func toUpperSnake(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ' || r == '.':
			sb.WriteByte('_')
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			sb.WriteByte('_')
			sb.WriteRune(r)
		default:
			sb.WriteRune(unicode.ToUpper(r))
		}
	}
	return sb.String()
}
