package detection

import (
	"fmt"
	"strings"

	"threatdesk/internal/events"
)

func (m Match) matches(e *events.Event) bool {
	if m.EventType != "" && e.EventType != m.EventType {
		return false
	}
	if m.Status != "" && !strings.EqualFold(e.Status, m.Status) {
		return false
	}
	if m.User != "" && e.User != m.User {
		return false
	}
	if m.Action != "" && e.Action != m.Action {
		return false
	}
	if m.Resource != "" && e.Resource != m.Resource {
		return false
	}
	if len(m.TagsAny) > 0 && !hasAnyTag(e.Tags, m.TagsAny) {
		return false
	}
	for k, v := range m.FieldEquals {
		str, ok := fieldString(e, k)
		if !ok || str != v {
			return false
		}
	}
	for k, v := range m.FieldContains {
		str, ok := fieldString(e, k)
		if !ok || !strings.Contains(str, v) {
			return false
		}
	}
	return true
}

func (m Match) filter() events.Filter {
	f := events.Filter{EventType: m.EventType, Status: m.Status, User: m.User}
	if len(m.TagsAny) == 1 {
		f.Tag = m.TagsAny[0]
	}
	return f
}

func hasAnyTag(tags, want []string) bool {
	for _, t := range tags {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

func fieldString(e *events.Event, key string) (string, bool) {
	raw, ok := e.Fields[key]
	if !ok || raw == nil {
		return "", false
	}
	if s, ok := raw.(string); ok {
		return s, true
	}
	return fmt.Sprint(raw), true
}
