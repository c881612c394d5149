package bus

// InboundMessage is a channel-normalised message entering the runtime.
// Adapters construct one per received message; cross-session tools and cron
// wakeups inject synthetic ones through the same path.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SessionKey string            `json:"session_key"`
	Body       string            `json:"body"`
	Attachments []string         `json:"attachments,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side broadcast. Payload must be treated as immutable
// after publish.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// Handler receives broadcast events for one subscriber.
type Handler func(Event)

// DropHandler is notified when a subscriber is removed for falling behind.
type DropHandler func(subscriberID string, pending int)

// Publisher abstracts event broadcast + subscription so the gateway and the
// agent runtime do not depend on the concrete Bus.
type Publisher interface {
	Subscribe(id string, topics []string, h Handler)
	Unsubscribe(id string)
	Publish(e Event)
}

// Inboundable accepts inbound messages for the runtime's dispatch queue.
// Channel adapters and cross-session tools share this path.
type Inboundable interface {
	PublishInbound(m InboundMessage)
}
