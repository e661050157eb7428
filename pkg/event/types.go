package event

import "time"

// Event type names.
const (
	TypeMemberRegistered = "member.registered"
	TypeMessageReceived  = "message.received"
	TypeLoadingChanged   = "loading.changed"
	TypeError            = "error"
)

// Event is implemented by every payload published on a Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// MemberRegisteredEvent is emitted when a new address enters the active view.
type MemberRegisteredEvent struct {
	baseEvent
	Address string
	Name    string
}

func NewMemberRegisteredEvent(address, name string) MemberRegisteredEvent {
	return MemberRegisteredEvent{
		baseEvent: newBaseEvent(TypeMemberRegistered),
		Address:   address,
		Name:      name,
	}
}

// MessageReceivedEvent carries a fresh message read from a member's feed.
type MessageReceivedEvent struct {
	baseEvent
	Address     string
	DisplayName string
	Body        string
	SentAt      time.Time
	Index       uint64
}

func NewMessageReceivedEvent(address, name, body string, sentAt time.Time, index uint64) MessageReceivedEvent {
	return MessageReceivedEvent{
		baseEvent:   newBaseEvent(TypeMessageReceived),
		Address:     address,
		DisplayName: name,
		Body:        body,
		SentAt:      sentAt,
		Index:       index,
	}
}

// LoadingChangedEvent reports entering or leaving a membership load.
type LoadingChangedEvent struct {
	baseEvent
	Loading bool
}

func NewLoadingChangedEvent(loading bool) LoadingChangedEvent {
	return LoadingChangedEvent{baseEvent: newBaseEvent(TypeLoadingChanged), Loading: loading}
}

// ErrorEvent carries every reported error, fatal or not.
type ErrorEvent struct {
	baseEvent
	Err     error
	Context string
	Fatal   bool
}

func NewErrorEvent(err error, context string, fatal bool) ErrorEvent {
	return ErrorEvent{
		baseEvent: newBaseEvent(TypeError),
		Err:       err,
		Context:   context,
		Fatal:     fatal,
	}
}
