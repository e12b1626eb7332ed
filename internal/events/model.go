package events

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event is one raw security log record, e.g. a login attempt or a
// privilege change.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"@timestamp"`
	EventType   string                 `json:"event_type"`
	SourceIP    string                 `json:"source_ip"`
	User        string                 `json:"user"`
	Action      string                 `json:"action,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Resource    string                 `json:"resource,omitempty"`
	GeoLocation string                 `json:"geo_location,omitempty"`
	Severity    Severity               `json:"severity"`
	Tags        []string               `json:"tags"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedAt   time.Time              `json:"created_at"`
}

// normalize fills defaults and canonicalizes enum-like fields before a write.
func (e *Event) normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Severity = Severity(strings.ToUpper(string(e.Severity)))
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	e.Status = strings.ToUpper(e.Status)
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.Fields == nil {
		e.Fields = map[string]interface{}{}
	}
	e.CreatedAt = now
}

type Filter struct {
	EventType string
	SourceIP  string
	User      string
	Status    string
	Severity  Severity
	Tag       string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) matches(e *Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.SourceIP != "" && e.SourceIP != f.SourceIP {
		return false
	}
	if f.User != "" && e.User != f.User {
		return false
	}
	if f.Status != "" && e.Status != strings.ToUpper(f.Status) {
		return false
	}
	if f.Severity != "" && e.Severity != Severity(strings.ToUpper(string(f.Severity))) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Tag != "" {
		for _, t := range e.Tags {
			if t == f.Tag {
				return true
			}
		}
		return false
	}
	return true
}

// Bucket is one row of a terms aggregation.
type Bucket struct {
	Key        string    `json:"key"`
	Count      int       `json:"doc_count"`
	LatestUser string    `json:"latest_user,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Group-by fields accepted by Aggregate.
const (
	GroupBySourceIP  = "source_ip"
	GroupByUser      = "user"
	GroupByEventType = "event_type"
)

func validGroupBy(field string) bool {
	switch field {
	case GroupBySourceIP, GroupByUser, GroupByEventType:
		return true
	}
	return false
}

func (e *Event) groupKey(field string) string {
	switch field {
	case GroupByUser:
		return e.User
	case GroupByEventType:
		return e.EventType
	default:
		return e.SourceIP
	}
}

// Flatten renders the event as the flat field map single-event rules match
// against. Extra fields never shadow the fixed ones.
func (e *Event) Flatten() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Fields)+10)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event_type"] = e.EventType
	out["source_ip"] = e.SourceIP
	out["user"] = e.User
	out["action"] = e.Action
	out["status"] = e.Status
	out["resource"] = e.Resource
	out["geo_location"] = e.GeoLocation
	out["severity"] = string(e.Severity)
	out["tags"] = e.Tags
	return out
}
