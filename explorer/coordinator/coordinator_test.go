package coordinator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/celerway/mqttexplorer/explorer/observability"
	is2 "github.com/matryer/is"
	log "github.com/sirupsen/logrus"
)

type mockIdentity struct {
	calls   atomic.Int32
	token   string
	err     error
	entered chan struct{} // closed on first call when set
	release chan struct{} // blocks the call until closed when set
}

func (m *mockIdentity) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	if m.calls.Add(1) == 1 && m.entered != nil {
		close(m.entered)
	}
	if m.release != nil {
		<-m.release
	}
	return m.token, m.err
}

type exchangeCall struct {
	loginKey string
	token    string
}

type mockExchanger struct {
	mu         sync.Mutex
	calls      []exchangeCall
	creds      aws.Credentials
	err        error
	generation uint64
}

func (m *mockExchanger) Exchange(ctx context.Context, loginKey, identityToken string) (aws.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, exchangeCall{loginKey: loginKey, token: identityToken})
	if m.err == nil {
		m.generation++
	}
	return m.creds, m.err
}

func (m *mockExchanger) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *mockExchanger) getCalls() []exchangeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchangeCall(nil), m.calls...)
}

type mockSession struct {
	mu             sync.Mutex
	ops            []string
	updates        [][3]string
	unsubscribeErr error
	subscribeErr   error
	publishErr     error
	entered        chan struct{}
	release        chan struct{}
}

func (m *mockSession) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "subscribe:"+topic)
	return m.subscribeErr
}

func (m *mockSession) Unsubscribe(topic string) error {
	if m.entered != nil {
		close(m.entered)
		m.entered = nil
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "unsubscribe:"+topic)
	return m.unsubscribeErr
}

func (m *mockSession) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "publish:"+topic+":"+string(payload))
	return m.publishErr
}

func (m *mockSession) UpdateCredentials(accessKeyID, secretAccessKey, sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, [3]string{accessKeyID, secretAccessKey, sessionToken})
}

func (m *mockSession) getOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *mockSession) getUpdates() [][3]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][3]string(nil), m.updates...)
}

func TestMain(m *testing.M) {
	log.SetLevel(log.DebugLevel)
	ret := m.Run()
	os.Exit(ret)
}

func testCredentials() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     "AKIA...",
		SecretAccessKey: "secret...",
		SessionToken:    "token...",
		CanExpire:       true,
		Expires:         time.Now().Add(time.Hour),
	}
}

func makeTestCoordinator(id *mockIdentity, ex *mockExchanger, s *mockSession) *Coordinator {
	return New(Params{
		Session:         s,
		Identity:        id,
		Exchanger:       ex,
		ProviderDomain:  "idp.example.com",
		UserPoolID:      "pool-123",
		InitialTopic:    "topicA",
		AuthTimeout:     time.Second,
		ExchangeTimeout: time.Second,
	})
}

func TestAuthenticate_MissingInput(t *testing.T) {
	is := is2.New(t)
	inputs := [][2]string{{"", ""}, {"device-42", ""}, {"", "correctpass"}, {"  ", "correctpass"}, {"device-42", "\t"}}
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)
	for _, in := range inputs {
		err := c.Authenticate(context.Background(), in[0], in[1])
		is.True(errors.Is(err, ErrMissingInput))
		kind, ok := KindOf(err)
		is.True(ok)
		is.Equal(kind, MissingInput)
	}
	is.Equal(id.calls.Load(), int32(0)) // no network calls
	is.Equal(len(ex.getCalls()), 0)
	is.Equal(len(s.getUpdates()), 0)
	is.Equal(c.State(), Unauthenticated)
}

// The end to end happy path: token goes to the exchange under the login key, the exact
// triple reaches the broker session once.
func TestAuthenticate_Success(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "correctpass")
	is.NoErr(err)
	is.Equal(id.calls.Load(), int32(1))
	calls := ex.getCalls()
	is.Equal(len(calls), 1)
	is.Equal(calls[0].loginKey, "idp.example.com/pool-123")
	is.Equal(calls[0].token, "tok-1")
	updates := s.getUpdates()
	is.Equal(len(updates), 1)
	is.Equal(updates[0], [3]string{"AKIA...", "secret...", "token..."})
	is.Equal(c.State(), Authenticated)
	is.Equal(len(s.getOps()), 0) // authenticate never touches subscriptions
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{err: &AuthError{Kind: InvalidCredentials, Cause: errors.New("Incorrect username or password.")}}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "wrongpass")
	is.True(errors.Is(err, ErrInvalidCredentials))
	is.Equal(len(ex.getCalls()), 0)
	is.Equal(len(s.getUpdates()), 0)
	is.Equal(c.State(), Unauthenticated)
}

func TestAuthenticate_NewPasswordRequired(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{err: &AuthError{Kind: NewPasswordRequired}}
	ex := &mockExchanger{}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "temppass")
	is.True(errors.Is(err, ErrNewPasswordRequired))
	is.Equal(len(ex.getCalls()), 0)
	is.Equal(c.State(), Unauthenticated)
}

func TestAuthenticate_ProviderFailure(t *testing.T) {
	is := is2.New(t)
	cause := errors.New("dial tcp: i/o timeout")
	id := &mockIdentity{err: cause}
	ex := &mockExchanger{}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "correctpass")
	is.True(errors.Is(err, ErrProviderFailed))
	is.True(errors.Is(err, cause)) // underlying cause is kept
	is.Equal(len(ex.getCalls()), 0)
}

func TestAuthenticate_ExchangeFailed(t *testing.T) {
	is := is2.New(t)
	cause := errors.New("ResourceNotFoundException: IdentityPool not found")
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{err: cause}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "correctpass")
	is.True(errors.Is(err, ErrExchangeFailed))
	is.True(errors.Is(err, cause))
	is.Equal(len(ex.getCalls()), 1)
	is.Equal(len(s.getUpdates()), 0)
	is.Equal(c.State(), Unauthenticated)
}

func TestAuthenticate_PartialCredentials(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: aws.Credentials{AccessKeyID: "AKIA...", SecretAccessKey: "secret..."}}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	err := c.Authenticate(context.Background(), "device-42", "correctpass")
	is.True(errors.Is(err, ErrExchangeFailed))
	is.Equal(len(s.getUpdates()), 0) // never hand a partial triple to the session
}

func TestAuthenticate_Overlapping(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1", entered: make(chan struct{}), release: make(chan struct{})}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)

	done := make(chan error)
	go func() {
		done <- c.Authenticate(context.Background(), "device-42", "correctpass")
	}()
	<-id.entered
	is.Equal(c.State(), Authenticating)
	err := c.Authenticate(context.Background(), "device-42", "correctpass")
	is.True(errors.Is(err, ErrAuthenticationInProgress))
	close(id.release)
	is.NoErr(<-done)
	is.Equal(id.calls.Load(), int32(1))
	is.Equal(len(s.getUpdates()), 1)
}

func TestAuthenticate_Relogin(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)
	is.NoErr(c.Authenticate(context.Background(), "device-42", "correctpass"))
	is.NoErr(c.Authenticate(context.Background(), "device-42", "correctpass"))
	is.Equal(len(s.getUpdates()), 2)
	is.Equal(c.State(), Authenticated)
}

func TestHandleRefresh(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)

	c.HandleRefresh(aws.Credentials{}, 0, errors.New("expired"))
	is.Equal(len(s.getUpdates()), 0)
	c.HandleRefresh(aws.Credentials{AccessKeyID: "AKIA2"}, 0, nil)
	is.Equal(len(s.getUpdates()), 0)

	fresh := aws.Credentials{AccessKeyID: "AKIA2", SecretAccessKey: "secret2", SessionToken: "token2"}
	c.HandleRefresh(fresh, 0, nil)
	updates := s.getUpdates()
	is.Equal(len(updates), 1)
	is.Equal(updates[0], [3]string{"AKIA2", "secret2", "token2"})
}

func TestHandleRefresh_ReplacedLogin(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	first := testCredentials()
	ex := &mockExchanger{creds: first}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)
	is.NoErr(c.Authenticate(context.Background(), "device-1", "pass-1"))

	second := aws.Credentials{AccessKeyID: "AKIA-B", SecretAccessKey: "secret-B", SessionToken: "token-B"}
	ex.mu.Lock()
	ex.creds = second
	ex.mu.Unlock()
	is.NoErr(c.Authenticate(context.Background(), "device-2", "pass-2"))

	// a refresh fetched for the first login arrives late
	late := aws.Credentials{AccessKeyID: "AKIA-A2", SecretAccessKey: "secret-A2", SessionToken: "token-A2"}
	c.HandleRefresh(late, 1, nil)
	c.HandleRefresh(aws.Credentials{}, 1, errors.New("expired"))
	updates := s.getUpdates()
	is.Equal(len(updates), 2)
	is.Equal(updates[1], [3]string{"AKIA-B", "secret-B", "token-B"})

	// refreshes for the current login still go through
	current := aws.Credentials{AccessKeyID: "AKIA-B2", SecretAccessKey: "secret-B2", SessionToken: "token-B2"}
	c.HandleRefresh(current, 2, nil)
	updates = s.getUpdates()
	is.Equal(len(updates), 3)
	is.Equal(updates[2], [3]string{"AKIA-B2", "secret-B2", "token-B2"})
}

// A refresh that lands while a login is out is installed, the login then replaces it.
func TestHandleRefresh_DuringLogin(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: testCredentials()}
	s := &mockSession{}
	c := makeTestCoordinator(id, ex, s)
	is.NoErr(c.Authenticate(context.Background(), "device-1", "pass-1"))

	id.entered = make(chan struct{})
	id.release = make(chan struct{})
	id.calls.Store(0)
	second := aws.Credentials{AccessKeyID: "AKIA-B", SecretAccessKey: "secret-B", SessionToken: "token-B"}
	ex.mu.Lock()
	ex.creds = second
	ex.mu.Unlock()
	done := make(chan error)
	go func() {
		done <- c.Authenticate(context.Background(), "device-2", "pass-2")
	}()
	<-id.entered
	c.HandleRefresh(aws.Credentials{AccessKeyID: "AKIA-A2", SecretAccessKey: "secret-A2", SessionToken: "token-A2"}, 1, nil)
	close(id.release)
	is.NoErr(<-done)

	updates := s.getUpdates()
	is.Equal(len(updates), 3)
	is.Equal(updates[2], [3]string{"AKIA-B", "secret-B", "token-B"}) // the new login wins
	c.HandleRefresh(aws.Credentials{AccessKeyID: "AKIA-A3", SecretAccessKey: "secret-A3", SessionToken: "token-A3"}, 1, nil)
	is.Equal(len(s.getUpdates()), 3)
}

func TestAuthenticate_FailedReloginKeepsCredentials(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	ex := &mockExchanger{creds: testCredentials()}
	c := makeTestCoordinator(id, ex, &mockSession{})
	is.True(!c.Snapshot().HasCredentials)
	is.NoErr(c.Authenticate(context.Background(), "device-42", "correctpass"))

	id.err = &AuthError{Kind: InvalidCredentials}
	is.True(c.Authenticate(context.Background(), "device-42", "wrongpass") != nil)
	snap := c.Snapshot()
	is.Equal(snap.State, Unauthenticated)
	is.True(snap.HasCredentials) // the earlier login is still installed
}

// Status messages are dropped rather than blocking a login when nobody reads them.
func TestAuthenticate_StatusChannelFull(t *testing.T) {
	is := is2.New(t)
	obsChannel := make(observability.Channel, 1)
	obsChannel <- observability.MqttConnected
	c := New(Params{
		Session:     &mockSession{},
		Identity:    &mockIdentity{token: "tok-1"},
		Exchanger:   &mockExchanger{creds: testCredentials()},
		AuthTimeout: time.Second,
		ObsChannel:  obsChannel,
	})
	done := make(chan error)
	go func() {
		done <- c.Authenticate(context.Background(), "device-42", "correctpass")
	}()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("Authenticate blocked on the status channel")
	}
	is.Equal(len(obsChannel), 1)
}

func TestChangeSubscription(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)
	is.Equal(c.CurrentTopic(), "topicA")

	is.NoErr(c.ChangeSubscription("topicB"))
	is.Equal(s.getOps(), []string{"unsubscribe:topicA", "subscribe:topicB"})
	is.Equal(c.CurrentTopic(), "topicB")

	// same topic is still a full unsubscribe + subscribe
	is.NoErr(c.ChangeSubscription("topicB"))
	is.Equal(s.getOps()[2:], []string{"unsubscribe:topicB", "subscribe:topicB"})
}

func TestChangeSubscription_UnsubscribeFails(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{unsubscribeErr: errors.New("not connected")}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)

	err := c.ChangeSubscription("topicB")
	is.True(err != nil)
	is.Equal(s.getOps(), []string{"unsubscribe:topicA"}) // subscribe not attempted
	is.Equal(c.CurrentTopic(), "topicA")
}

func TestChangeSubscription_SubscribeFails(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{subscribeErr: errors.New("timeout")}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)

	err := c.ChangeSubscription("topicB")
	is.True(err != nil)
	// the old topic is subscribed again
	is.Equal(s.getOps(), []string{"unsubscribe:topicA", "subscribe:topicB", "subscribe:topicA"})
	is.Equal(c.CurrentTopic(), "topicA")
}

func TestChangeSubscription_Empty(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)
	is.True(errors.Is(c.ChangeSubscription(""), ErrEmptyTopic))
	is.Equal(len(s.getOps()), 0)
}

func TestChangeSubscription_Overlapping(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{entered: make(chan struct{}), release: make(chan struct{})}
	entered := s.entered
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)

	done := make(chan error)
	go func() {
		done <- c.ChangeSubscription("topicB")
	}()
	<-entered
	err := c.ChangeSubscription("topicC")
	is.True(errors.Is(err, ErrSubscriptionChangeInProgress))
	close(s.release)
	is.NoErr(<-done)
	is.Equal(c.CurrentTopic(), "topicB")
	is.Equal(s.getOps(), []string{"unsubscribe:topicA", "subscribe:topicB"})
}

func TestHandleConnect(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)
	c.HandleMessage("topicA", []byte("before"))
	is.Equal(len(c.History()), 1)

	c.HandleConnect()
	is.Equal(c.Connection(), Connected)
	is.Equal(len(c.History()), 0) // history starts over on connect
	is.Equal(s.getOps(), []string{"subscribe:topicA"})

	c.HandleReconnect()
	is.Equal(c.Connection(), Connecting)
	c.HandleConnectionLost(errors.New("EOF"))
	is.Equal(c.Connection(), Disconnected)
}

func TestHandleMessage(t *testing.T) {
	is := is2.New(t)
	var got []Entry
	c := New(Params{
		Session:     &mockSession{},
		HistorySize: 2,
		Listener: func(e Entry) {
			got = append(got, e)
		},
	})
	c.HandleMessage("a", []byte("1"))
	c.HandleMessage("b", []byte("2"))
	c.HandleMessage("c", []byte("3"))
	h := c.History()
	is.Equal(len(h), 2)
	is.Equal(h[0].Topic, "b")
	is.Equal(h[1].Payload, "3")
	is.Equal(len(got), 3)
	is.Equal(c.Snapshot().Messages, 2)
	c.ClearHistory()
	is.Equal(len(c.History()), 0)
}

func TestPublish(t *testing.T) {
	is := is2.New(t)
	s := &mockSession{}
	c := makeTestCoordinator(&mockIdentity{}, &mockExchanger{}, s)
	is.True(errors.Is(c.Publish("", []byte("x")), ErrEmptyTopic))
	is.NoErr(c.Publish("out", []byte("hello")))
	is.Equal(s.getOps(), []string{"publish:out:hello"})
	s.publishErr = errors.New("not connected")
	is.True(c.Publish("out", []byte("again")) != nil)
}

func TestSnapshot(t *testing.T) {
	is := is2.New(t)
	id := &mockIdentity{token: "tok-1"}
	creds := testCredentials()
	ex := &mockExchanger{creds: creds}
	c := makeTestCoordinator(id, ex, &mockSession{})
	is.NoErr(c.Authenticate(context.Background(), "device-42", "correctpass"))
	snap := c.Snapshot()
	is.Equal(snap.State, Authenticated)
	is.Equal(snap.Connection, Disconnected)
	is.Equal(snap.Topic, "topicA")
	is.True(snap.CredentialsExpires.Equal(creds.Expires))
	is.Equal(c.LoginKey(), "idp.example.com/pool-123")
}

func TestAuthError(t *testing.T) {
	is := is2.New(t)
	cause := errors.New("boom")
	err := &AuthError{Kind: ExchangeFailed, Cause: cause}
	is.Equal(err.Error(), "credential exchange failed: boom")
	is.True(errors.Is(err, ErrExchangeFailed))
	is.True(!errors.Is(err, ErrInvalidCredentials))
	is.Equal(errors.Unwrap(err), cause)
	is.Equal(ErrMissingInput.Error(), "missing input")
	is.Equal(State(7).String(), "unknown")
}
