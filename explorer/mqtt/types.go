package mqtt

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type Params struct {
	// Endpoint is the broker host, e.g. abc123-ats.iot.eu-west-1.amazonaws.com
	Endpoint string
	Region   string
	ClientID string
	QoS      byte
	// MaxReconnectInterval caps paho's backoff between connection attempts.
	MaxReconnectInterval time.Duration
	ConnectTimeout       time.Duration
	// OperationTimeout bounds Subscribe, Unsubscribe and Publish.
	OperationTimeout time.Duration
	Events           EventChannel
	Logger           *logrus.Entry
}

type EventKind int

const (
	EventConnect EventKind = iota
	EventReconnect
	EventConnectionLost
	EventMessage
)

func (k EventKind) String() string {
	if k < EventConnect || k > EventMessage {
		return "Unknown"
	}
	return [...]string{"Connect", "Reconnect", "ConnectionLost", "Message"}[k]
}

// Event is what the session reports back. Topic and Payload are only set for EventMessage,
// Err only for EventConnectionLost.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

type EventChannel chan Event

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	if s < Disconnected || s > Connected {
		return "unknown"
	}
	return [...]string{"disconnected", "connecting", "connected"}[s]
}

type dialFunc func(signedURL string, options paho.ClientOptions) (net.Conn, error)

type Session struct {
	paho     paho.Client
	endpoint string
	region   string
	clientID string
	qos      byte

	opTimeout time.Duration
	signer    *v4.Signer
	dial      dialFunc
	now       func() time.Time

	credsMu sync.Mutex
	creds   aws.Credentials

	state  atomic.Int32
	events EventChannel
	done   chan struct{}
	once   sync.Once
	logger *logrus.Entry
}
