package cognito

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/sirupsen/logrus"
)

// userPoolAPI is the part of the user pool client we use. Lets tests stand in for Cognito.
type userPoolAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput,
		optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

type identityPoolAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput,
		optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput,
		optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

type IdentityParams struct {
	Config       aws.Config
	ClientID     string
	ClientSecret string // optional, only for app clients that have one
}

type IdentityProvider struct {
	api          userPoolAPI
	clientID     string
	clientSecret string
	logger       *logrus.Entry
}

type ExchangeParams struct {
	Config         aws.Config
	IdentityPoolID string
	// ExpiryWindow is how long before expiry the credentials are refreshed.
	ExpiryWindow time.Duration
	// RetryInterval is the wait after a failed refresh.
	RetryInterval time.Duration
}

// Refresh is the out-of-band notification carrying refreshed credentials or the reason
// the refresh failed.
type Refresh struct {
	Credentials aws.Credentials
	// Generation is the exchange the credentials belong to, see Exchanger.Generation.
	Generation uint64
	Err        error
}

type Exchanger struct {
	api            identityPoolAPI
	identityPoolID string
	expiryWindow   time.Duration
	retryInterval  time.Duration

	mu         sync.Mutex
	cache      *aws.CredentialsCache
	identityID string
	generation uint64

	schedule  chan time.Time
	refreshes chan Refresh
	logger    *logrus.Entry
}
