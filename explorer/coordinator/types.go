package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/celerway/mqttexplorer/explorer/observability"
	"github.com/sirupsen/logrus"
)

// IdentityProvider authenticates a username/password pair and hands back an identity token.
// Failures should carry an *AuthError of kind InvalidCredentials, NewPasswordRequired or
// ProviderFailed. Anything else is treated as ProviderFailed.
type IdentityProvider interface {
	AuthenticateUser(ctx context.Context, username, password string) (string, error)
}

// CredentialExchanger trades an identity token registered under loginKey for temporary
// broker credentials.
type CredentialExchanger interface {
	Exchange(ctx context.Context, loginKey, identityToken string) (aws.Credentials, error)
	// Generation counts successful exchanges. Refreshes are stamped with it.
	Generation() uint64
}

// BrokerSession is the live publish/subscribe connection. UpdateCredentials must not disturb
// an active connection, the credentials are used on the next connection attempt.
type BrokerSession interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	UpdateCredentials(accessKeyID, secretAccessKey, sessionToken string)
}

type Params struct {
	Session   BrokerSession
	Identity  IdentityProvider
	Exchanger CredentialExchanger
	// ProviderDomain and UserPoolID make up the login key, <domain>/<pool>.
	ProviderDomain  string
	UserPoolID      string
	InitialTopic    string
	HistorySize     int
	AuthTimeout     time.Duration
	ExchangeTimeout time.Duration
	ObsChannel      observability.Channel
	// Listener is called for every received message after it has been added to the history.
	Listener func(Entry)
	Logger   *logrus.Entry
}

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	if s < Unauthenticated || s > Authenticated {
		return "unknown"
	}
	return [...]string{"unauthenticated", "authenticating", "authenticated"}[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState mirrors what the broker session last reported through its events.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	if c < Disconnected || c > Connected {
		return "unknown"
	}
	return [...]string{"disconnected", "connecting", "connected"}[c]
}

func (c ConnectionState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Snapshot is a point in time copy of the coordinator state, handed to rendering layers.
type Snapshot struct {
	State              State           `json:"state"`
	Connection         ConnectionState `json:"connection"`
	Topic              string          `json:"topic"`
	Messages           int             `json:"messages"`
	CredentialsExpires time.Time       `json:"credentialsExpires"`
	// HasCredentials is set once the session holds credentials. A failed re-login leaves
	// the state unauthenticated while the earlier credentials stay installed and refreshed.
	HasCredentials bool `json:"hasCredentials"`
}

type Coordinator struct {
	session   BrokerSession
	identity  IdentityProvider
	exchanger CredentialExchanger
	loginKey  string

	authTimeout     time.Duration
	exchangeTimeout time.Duration

	authMu sync.Mutex // held for the duration of one login attempt
	subMu  sync.Mutex // held while the subscription is being changed

	credMu     sync.Mutex // orders credential installs from logins and refreshes
	generation uint64     // exchange generation of the installed credentials

	mu         sync.Mutex // guards the fields below
	state      State
	connection ConnectionState
	topic      string
	expires    time.Time
	hasCreds   bool

	history    *History
	listener   func(Entry)
	obsChannel observability.Channel
	logger     *logrus.Entry
}
