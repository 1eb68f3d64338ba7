package server

import "spacerelay/internal/event"

// Frame types on the client-to-hub direction.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// Frame types on the hub-to-client direction.
const (
	FrameSubscribed   = "subscribed"
	FrameDenied       = "denied"
	FrameUnsubscribed = "unsubscribed"
	FrameEnvelope     = "envelope"
)

// ClientFrame is a control or publish message from a connected client.
// Subscribe carries the grant obtained from the authorization endpoint.
type ClientFrame struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	Grant    string          `json:"grant,omitempty"`
	Envelope *event.Envelope `json:"envelope,omitempty"`
}

// ServerFrame is what the hub writes to a client: subscription outcomes and
// envelope deliveries.
type ServerFrame struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	Envelope *event.Envelope `json:"envelope,omitempty"`
}
