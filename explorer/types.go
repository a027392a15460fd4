package explorer

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/celerway/mqttexplorer/explorer/api"
	"github.com/celerway/mqttexplorer/explorer/archive"
	"github.com/celerway/mqttexplorer/explorer/cognito"
	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/celerway/mqttexplorer/explorer/mqtt"
	"github.com/celerway/mqttexplorer/explorer/observability"
	"github.com/sirupsen/logrus"
)

type Params struct {
	Region         string
	Endpoint       string
	IdentityPoolID string
	UserPoolID     string
	ClientID       string
	ClientSecret   string

	MqttClientID         string
	Topic                string
	MaxReconnectInterval time.Duration
	AuthTimeout          time.Duration
	ExchangeTimeout      time.Duration
	HistorySize          int

	// Zero ports disable the respective HTTP server.
	APIPort    int
	HealthPort int
	// Kafka archiving is off unless set.
	Kafka *archive.Params
	// Listener sees every received message, after the history has it.
	Listener func(coordinator.Entry)
}

// eventHandler is the coordinator as seen from the main loop.
type eventHandler interface {
	HandleConnect()
	HandleReconnect()
	HandleConnectionLost(err error)
	HandleMessage(topic string, payload []byte)
	HandleRefresh(creds aws.Credentials, generation uint64, err error)
}

type Explorer struct {
	coordinator *coordinator.Coordinator
	session     *mqtt.Session
	exchanger   *cognito.Exchanger
	obs         *observability.Observability
	archive     *archive.Buffer
	api         *api.Server
	events      mqtt.EventChannel
	logger      *logrus.Entry
}
