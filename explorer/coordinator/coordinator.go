package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/celerway/mqttexplorer/explorer/observability"
	"github.com/celerway/mqttexplorer/log"
)

const DefaultTopic = "subscribe-topic"

// LoginKey builds the key the identity token is registered under in the exchange's login map.
func LoginKey(providerDomain, userPoolID string) string {
	return providerDomain + "/" + userPoolID
}

func New(p Params) *Coordinator {
	logger := p.Logger
	if logger == nil {
		logger = log.NewWithPrefix("coordinator")
	}
	topic := p.InitialTopic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Coordinator{
		session:         p.Session,
		identity:        p.Identity,
		exchanger:       p.Exchanger,
		loginKey:        LoginKey(p.ProviderDomain, p.UserPoolID),
		authTimeout:     p.AuthTimeout,
		exchangeTimeout: p.ExchangeTimeout,
		state:           Unauthenticated,
		connection:      Disconnected,
		topic:           topic,
		history:         NewHistory(p.HistorySize),
		listener:        p.Listener,
		obsChannel:      p.ObsChannel,
		logger:          logger,
	}
}

// Authenticate runs one login attempt: identity provider, then credential exchange, then
// hands the credentials to the broker session. It never connects anything itself; the
// session picks the credentials up on its next connection attempt.
// A second call while one is running is rejected with ErrAuthenticationInProgress.
func (c *Coordinator) Authenticate(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return &AuthError{Kind: MissingInput}
	}
	if !c.authMu.TryLock() {
		return ErrAuthenticationInProgress
	}
	defer c.authMu.Unlock()

	c.report(observability.AuthAttempt)
	c.setState(Authenticating)
	c.logger.Debugf("Authenticating %s", username)

	creds, err := c.login(ctx, username, password)
	if err == nil {
		err = c.installLogin(creds)
	}
	if err != nil {
		c.setState(Unauthenticated)
		c.report(observability.AuthFailure)
		c.logger.Warnf("Login for %s failed: %s", username, err)
		return err
	}
	c.setState(Authenticated)
	c.report(observability.AuthSuccess)
	c.logger.Infof("Logged in as %s", username)
	return nil
}

// login does the two external calls, strictly in order. The identity token does not outlive
// this function.
func (c *Coordinator) login(ctx context.Context, username, password string) (aws.Credentials, error) {
	authCtx, cancel := withTimeout(ctx, c.authTimeout)
	token, err := c.identity.AuthenticateUser(authCtx, username, password)
	cancel()
	if err != nil {
		return aws.Credentials{}, identityError(err)
	}
	c.logger.Debugf("Exchanging identity token, key = %s", c.loginKey)
	exCtx, cancel := withTimeout(ctx, c.exchangeTimeout)
	creds, err := c.exchanger.Exchange(exCtx, c.loginKey, token)
	cancel()
	if err != nil {
		return aws.Credentials{}, exchangeError(err)
	}
	return creds, nil
}

// installLogin hands the credentials of a fresh exchange to the session. Refreshes fetched
// for an earlier exchange are rejected from here on.
func (c *Coordinator) installLogin(creds aws.Credentials) error {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	gen := c.exchanger.Generation()
	if err := c.updateCredentials(creds); err != nil {
		return exchangeError(err)
	}
	c.generation = gen
	return nil
}

// updateCredentials forwards a complete triple to the broker session. Partial triples never
// reach the session, so whatever it holds stays valid.
func (c *Coordinator) updateCredentials(creds aws.Credentials) error {
	if !complete(creds) {
		return errIncompleteCredentials
	}
	c.session.UpdateCredentials(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	c.mu.Lock()
	c.expires = creds.Expires
	c.hasCreds = true
	c.mu.Unlock()
	c.report(observability.CredentialsUpdated)
	if creds.CanExpire {
		c.logger.Debugf("Credentials installed, valid until %s", creds.Expires.Format(time.RFC3339))
	} else {
		c.logger.Debug("Credentials installed")
	}
	return nil
}

// HandleRefresh reacts to an out-of-band refresh from the credential exchange. generation
// is the exchange the refresh belongs to; refreshes older than the installed login are
// dropped.
func (c *Coordinator) HandleRefresh(creds aws.Credentials, generation uint64, err error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if generation < c.generation {
		c.logger.Debugf("Dropping refresh for exchange %d, credentials are from %d", generation, c.generation)
		return
	}
	if err != nil {
		c.report(observability.RefreshError)
		c.logger.Warnf("Credential refresh failed, keeping current credentials: %s", err)
		return
	}
	if err := c.updateCredentials(creds); err != nil {
		c.report(observability.RefreshError)
		c.logger.Warnf("Ignoring refreshed credentials: %s", err)
		return
	}
	c.generation = generation
}

// ChangeSubscription moves the single subscription from the current topic to topic.
// The new topic is only recorded once both broker calls have succeeded. When the subscribe
// fails the old topic is subscribed again if the broker lets us.
func (c *Coordinator) ChangeSubscription(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !c.subMu.TryLock() {
		return ErrSubscriptionChangeInProgress
	}
	defer c.subMu.Unlock()

	old := c.CurrentTopic()
	if err := c.session.Unsubscribe(old); err != nil {
		return fmt.Errorf("unsubscribe '%s': %w", old, err)
	}
	if err := c.session.Subscribe(topic); err != nil {
		if rerr := c.session.Subscribe(old); rerr != nil {
			c.logger.Errorf("Subscribing to '%s' failed and so did going back to '%s', no topic subscribed: %s", topic, old, rerr)
		} else {
			c.logger.Warnf("Subscribing to '%s' failed, back on '%s'", topic, old)
		}
		return fmt.Errorf("subscribe '%s': %w", topic, err)
	}
	c.mu.Lock()
	c.topic = topic
	c.mu.Unlock()
	c.logger.Infof("Subscription changed from '%s' to '%s'", old, topic)
	return nil
}

func (c *Coordinator) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := c.session.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish '%s': %w", topic, err)
	}
	c.logger.Tracef("Published %d bytes on '%s'", len(payload), topic)
	return nil
}

// HandleConnect runs on every (re)connect: the history starts over and the current topic is
// subscribed again.
func (c *Coordinator) HandleConnect() {
	c.setConnection(Connected)
	c.history.Clear()
	c.report(observability.MqttConnected)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	topic := c.CurrentTopic()
	if err := c.session.Subscribe(topic); err != nil {
		c.logger.Errorf("Subscribing to '%s' after connect: %s", topic, err)
		return
	}
	c.logger.Infof("Connected, subscribed to '%s'", topic)
}

func (c *Coordinator) HandleReconnect() {
	c.setConnection(Connecting)
	c.report(observability.MqttReconnecting)
	c.logger.Info("Reconnecting")
}

func (c *Coordinator) HandleConnectionLost(err error) {
	c.setConnection(Disconnected)
	c.report(observability.MqttConnectionLost)
	c.logger.Warnf("Connection lost: %v", err)
}

func (c *Coordinator) HandleMessage(topic string, payload []byte) {
	e := Entry{
		Topic:    topic,
		Payload:  string(payload),
		Received: time.Now(),
	}
	c.history.Append(e)
	c.report(observability.MqttReceived)
	c.logger.Tracef("message: %s:%s", topic, e.Payload)
	if c.listener != nil {
		c.listener(e)
	}
}

func (c *Coordinator) History() []Entry {
	return c.history.Entries()
}

func (c *Coordinator) ClearHistory() {
	c.history.Clear()
}

func (c *Coordinator) CurrentTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Connection() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *Coordinator) LoginKey() string {
	return c.loginKey
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:              c.state,
		Connection:         c.connection,
		Topic:              c.topic,
		CredentialsExpires: c.expires,
		HasCredentials:     c.hasCreds,
	}
	c.mu.Unlock()
	s.Messages = c.history.Len()
	return s
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) setConnection(s ConnectionState) {
	c.mu.Lock()
	c.connection = s
	c.mu.Unlock()
}

// report never blocks. Status messages are dropped when nobody drains the channel, as
// during shutdown.
func (c *Coordinator) report(msg observability.StatusMessage) {
	if c.obsChannel == nil {
		return
	}
	select {
	case c.obsChannel <- msg:
	default:
		c.logger.Tracef("Status channel full, dropping %v", msg)
	}
}

func complete(creds aws.Credentials) bool {
	return creds.AccessKeyID != "" && creds.SecretAccessKey != "" && creds.SessionToken != ""
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
