package models

import (
	"fmt"
	"time"
)

// EventKind identifies a progress event emitted by a sync run
type EventKind int

const (
	EventPageStarted EventKind = iota
	EventLinkStarted
	EventTitle
	EventNotice
	EventProgress
	EventTimeEstimate
	EventItemCompleted
	EventError
)

var eventKindNames = map[EventKind]string{
	EventPageStarted:   "page_started",
	EventLinkStarted:   "link_started",
	EventTitle:         "title",
	EventNotice:        "notice",
	EventProgress:      "progress",
	EventTimeEstimate:  "time_estimate",
	EventItemCompleted: "item_completed",
	EventError:         "error",
}

// String implements fmt.Stringer for logging
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one entry of the progress stream. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	ContentType ContentType
	Page        int           // PageStarted
	URL         string        // LinkStarted, Error
	Text        string        // Title, Notice
	Fraction    float64       // Progress, 0..1
	Remaining   time.Duration // TimeEstimate
	Success     bool          // ItemCompleted: true when the catalog was written
	Decision    Decision      // ItemCompleted
	Err         error         // Error
}

// String renders the event for log lines
func (e Event) String() string {
	switch e.Kind {
	case EventPageStarted:
		return fmt.Sprintf("%s page %d", e.ContentType, e.Page)
	case EventLinkStarted:
		return e.URL
	case EventTitle, EventNotice:
		return e.Text
	case EventProgress:
		return fmt.Sprintf("%.0f%%", e.Fraction*100)
	case EventTimeEstimate:
		return e.Remaining.Round(time.Second).String()
	case EventItemCompleted:
		return fmt.Sprintf("%s success=%t", e.Decision, e.Success)
	case EventError:
		return fmt.Sprintf("%s: %v", e.URL, e.Err)
	}
	return e.Kind.String()
}

func PageStarted(t ContentType, page int) Event {
	return Event{Kind: EventPageStarted, ContentType: t, Page: page}
}

func LinkStarted(t ContentType, url string) Event {
	return Event{Kind: EventLinkStarted, ContentType: t, URL: url}
}

func TitleEvent(t ContentType, title string) Event {
	return Event{Kind: EventTitle, ContentType: t, Text: title}
}

func Notice(t ContentType, format string, args ...interface{}) Event {
	return Event{Kind: EventNotice, ContentType: t, Text: fmt.Sprintf(format, args...)}
}

func Progress(t ContentType, fraction float64) Event {
	return Event{Kind: EventProgress, ContentType: t, Fraction: fraction}
}

func TimeEstimate(t ContentType, remaining time.Duration) Event {
	return Event{Kind: EventTimeEstimate, ContentType: t, Remaining: remaining}
}

func ItemCompleted(t ContentType, d Decision) Event {
	return Event{Kind: EventItemCompleted, ContentType: t, Decision: d, Success: d.Writes()}
}

func ErrorEvent(t ContentType, url string, err error) Event {
	return Event{Kind: EventError, ContentType: t, URL: url, Err: err}
}
