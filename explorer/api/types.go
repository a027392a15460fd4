package api

import (
	"context"

	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/sirupsen/logrus"
)

// Coordinator is what the HTTP surface needs from the session coordinator.
type Coordinator interface {
	Authenticate(ctx context.Context, username, password string) error
	ChangeSubscription(topic string) error
	Publish(topic string, payload []byte) error
	Snapshot() coordinator.Snapshot
	History() []coordinator.Entry
	ClearHistory()
}

type Params struct {
	Coordinator Coordinator
	Port        int
}

type Server struct {
	coordinator Coordinator
	port        int
	logger      *logrus.Entry
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type subscriptionRequest struct {
	Topic string `json:"topic"`
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
