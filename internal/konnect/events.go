package konnect

import "time"

// EventType identifies an internal server event.
type EventType int

const (
	EventConnected EventType = iota
	EventIdentified
	EventDisconnected
	EventPairRequested
	EventPaired
	EventUnpaired
	EventNotificationSent
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventIdentified:
		return "identified"
	case EventDisconnected:
		return "disconnected"
	case EventPairRequested:
		return "pair_requested"
	case EventPaired:
		return "paired"
	case EventUnpaired:
		return "unpaired"
	case EventNotificationSent:
		return "notification_sent"
	default:
		return "unknown"
	}
}

// Event describes a state change observable by admin clients, fanned out
// over the websocket event stream.
type Event struct {
	Type      EventType `json:"-"`
	Kind      string    `json:"event"`
	Device    string    `json:"device,omitempty"`
	Name      string    `json:"name,omitempty"`
	Addr      string    `json:"address,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Time      time.Time `json:"time"`
}

func newEvent(eventType EventType, device, name, addr string) Event {
	return Event{
		Type:   eventType,
		Kind:   eventType.String(),
		Device: device,
		Name:   name,
		Addr:   addr,
		Time:   time.Now(),
	}
}
