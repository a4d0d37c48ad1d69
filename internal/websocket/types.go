package websocket

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Message types pushed to the embedding host.
const (
	TypeGeneration    = "generation"
	TypeRestoreScroll = "restore_scroll"
	TypeNotification  = "notification"
)

// Client represents a WebSocket client connection
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	remote       string
	lastActivity time.Time
	limiter      *rate.Limiter
}

// UpdateMessage represents a message sent to the browser
type UpdateMessage struct {
	Type       string    `json:"type"`
	Generation string    `json:"generation,omitempty"`
	Document   string    `json:"document,omitempty"`
	EntryPoint string    `json:"entryPoint,omitempty"`
	Unresolved []string  `json:"unresolved,omitempty"`
	X          float64   `json:"x,omitempty"`
	Y          float64   `json:"y,omitempty"`
	Delays     []int64   `json:"delays,omitempty"`
	Level      string    `json:"level,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OriginValidator decides which page origins may open the socket.
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// MessageHandler receives every inbound text frame that passed rate limiting.
type MessageHandler func(ctx context.Context, data []byte)

// WelcomeFunc returns the message a newly registered client gets first.
type WelcomeFunc func() (UpdateMessage, bool)
