package ws

import "social-interaction-service/backend/internal/entity"

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"

	TypeWelcome    = "welcome"
	TypeSubscribed = "subscribed"
	TypeLeft       = "unsubscribed"
	TypeCounter    = "counter"
	TypeFeedback   = "feedback"
	TypeError      = "error"
	TypeIgnored    = "ignored"
)

type ClientMessage struct {
	Type        string `json:"type"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId"`
}

type ServerMessage struct {
	Type    string        `json:"type"`
	Room    string        `json:"room,omitempty"`
	Event   *entity.Event `json:"event,omitempty"`
	Content string        `json:"content,omitempty"`
}
