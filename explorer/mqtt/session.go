package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/celerway/mqttexplorer/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultMaxReconnectInterval = 2 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultOperationTimeout     = 10 * time.Second
	clientIDPrefix              = "mqtt-explorer-"
)

var (
	ErrNoCredentials = errors.New("no broker credentials installed")
	ErrTimeout       = errors.New("broker operation timed out")
)

// DefaultClientID returns a fresh client id. The broker drops an older connection that uses
// the same id, so every instance gets its own.
func DefaultClientID() string {
	return clientIDPrefix + uuid.NewString()[:8]
}

// Initialize sets up the paho client without connecting it. Call Connect to start.
func Initialize(p Params) *Session {
	if p.ClientID == "" {
		p.ClientID = DefaultClientID()
	}
	if p.MaxReconnectInterval <= 0 {
		p.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.OperationTimeout <= 0 {
		p.OperationTimeout = DefaultOperationTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewWithPrefix("mqtt")
	}
	s := &Session{
		endpoint:  p.Endpoint,
		region:    p.Region,
		clientID:  p.ClientID,
		qos:       p.QoS,
		opTimeout: p.OperationTimeout,
		signer:    v4.NewSigner(),
		dial:      dialWebsocket,
		now:       time.Now,
		events:    p.Events,
		done:      make(chan struct{}),
		logger:    logger,
	}
	opts := paho.NewClientOptions()
	opts.AddBroker("wss://" + p.Endpoint + "/mqtt")
	opts.SetClientID(p.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.MaxReconnectInterval)
	opts.SetMaxReconnectInterval(p.MaxReconnectInterval)
	opts.SetConnectTimeout(p.ConnectTimeout)
	// Handlers report into the event channel, they must not hold up paho's router.
	opts.SetOrderMatters(false)
	opts.SetCustomOpenConnectionFn(s.openConnection)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetReconnectingHandler(s.onReconnecting)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.onMessage)
	s.paho = paho.NewClient(opts)
	logger.Debugf("Session for %s as %s set up", p.Endpoint, p.ClientID)
	return s
}

// Connect starts connecting in the background. The token completes once the first
// connection is up; paho keeps retrying until then.
func (s *Session) Connect() paho.Token {
	s.state.Store(int32(Connecting))
	s.logger.Infof("Connecting to %s", s.endpoint)
	return s.paho.Connect()
}

func (s *Session) Disconnect() {
	s.once.Do(func() { close(s.done) })
	s.paho.Disconnect(250)
	s.state.Store(int32(Disconnected))
	s.logger.Info("Disconnected")
}

func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Session) ClientID() string {
	return s.clientID
}

// UpdateCredentials installs the credentials for the next connection attempt. The current
// connection, if any, is left alone.
func (s *Session) UpdateCredentials(accessKeyID, secretAccessKey, sessionToken string) {
	s.credsMu.Lock()
	s.creds = aws.Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
	}
	s.credsMu.Unlock()
	s.logger.Debug("Broker credentials updated")
}

func (s *Session) Subscribe(topic string) error {
	s.logger.Debugf("Subscribing to %s", topic)
	return s.wait(s.paho.Subscribe(topic, s.qos, nil), "subscribe "+topic)
}

func (s *Session) Unsubscribe(topic string) error {
	s.logger.Debugf("Unsubscribing from %s", topic)
	return s.wait(s.paho.Unsubscribe(topic), "unsubscribe "+topic)
}

func (s *Session) Publish(topic string, payload []byte) error {
	return s.wait(s.paho.Publish(topic, s.qos, false, payload), "publish "+topic)
}

func (s *Session) wait(token paho.Token, op string) error {
	if !token.WaitTimeout(s.opTimeout) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Session) credentials() (aws.Credentials, bool) {
	s.credsMu.Lock()
	defer s.credsMu.Unlock()
	c := s.creds
	return c, c.AccessKeyID != "" && c.SecretAccessKey != "" && c.SessionToken != ""
}

// openConnection is paho's dialer. It signs the URL with whatever credentials are installed
// at the time of the attempt.
func (s *Session) openConnection(uri *url.URL, options paho.ClientOptions) (net.Conn, error) {
	creds, ok := s.credentials()
	if !ok {
		s.logger.Debug("Connection attempt without credentials")
		return nil, ErrNoCredentials
	}
	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()
	signed, err := presignURL(ctx, s.signer, creds, uri.Host, s.region, s.now())
	if err != nil {
		return nil, err
	}
	conn, err := s.dial(signed, options)
	if err != nil {
		s.logger.Warnf("Websocket dial failed: %s", err)
		return nil, err
	}
	return conn, nil
}

func dialWebsocket(signedURL string, options paho.ClientOptions) (net.Conn, error) {
	return paho.NewWebsocket(signedURL, options.TLSConfig, options.ConnectTimeout, options.HTTPHeaders, options.WebsocketOptions)
}

func (s *Session) onConnect(_ paho.Client) {
	s.state.Store(int32(Connected))
	s.logger.Info("Connected to broker")
	s.emit(Event{Kind: EventConnect})
}

func (s *Session) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	s.state.Store(int32(Connecting))
	s.logger.Debug("Reconnecting")
	s.emit(Event{Kind: EventReconnect})
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.state.Store(int32(Disconnected))
	s.logger.Warnf("Connection lost: %s", err)
	s.emit(Event{Kind: EventConnectionLost, Err: err})
}

func (s *Session) onMessage(_ paho.Client, msg paho.Message) {
	s.logger.Tracef("Message on %s", msg.Topic())
	s.emit(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: msg.Payload()})
}

// emit drops events after Disconnect so late paho callbacks never block.
func (s *Session) emit(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}
