package offer

import "strings"

// EventClass buckets raw wire event names into the four classes the
// ingestion pipeline acts on.
type EventClass string

const (
	ClassNew     EventClass = "new"
	ClassCancel  EventClass = "cancel"
	ClassExpire  EventClass = "expire"
	ClassPartial EventClass = "partial"
	ClassUnknown EventClass = "unknown"
)

// eventClassTable maps every known wire event name to its class.
// Matching is exact (after lowercasing); unknown names classify as
// ClassUnknown and are dropped downstream with a reason, never guessed
// by substring.
var eventClassTable = map[string]EventClass{
	"broadcast.new":         ClassNew,
	"broadcast.created":     ClassNew,
	"broadcast_created":     ClassNew,
	"trip.broadcast":        ClassNew,
	"new_broadcast":         ClassNew,
	"broadcast.cancel":      ClassCancel,
	"broadcast.cancelled":   ClassCancel,
	"broadcast_cancelled":   ClassCancel,
	"broadcast.withdrawn":   ClassCancel,
	"trip.cancelled":        ClassCancel,
	"broadcast.expire":      ClassExpire,
	"broadcast.expired":     ClassExpire,
	"broadcast_expired":     ClassExpire,
	"broadcast.timeout":     ClassExpire,
	"broadcast.partial":     ClassPartial,
	"broadcast.fill":        ClassPartial,
	"broadcast.progress":    ClassPartial,
	"broadcast_progress":    ClassPartial,
	"trip.partially_filled": ClassPartial,
}

// ClassifyEvent resolves a raw event name to its class.
func ClassifyEvent(rawEvent string) EventClass {
	name := strings.ToLower(strings.TrimSpace(rawEvent))
	if name == "" {
		return ClassUnknown
	}
	if c, ok := eventClassTable[name]; ok {
		return c
	}
	return ClassUnknown
}
