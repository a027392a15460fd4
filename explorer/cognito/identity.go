package cognito

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/celerway/mqttexplorer/log"
	"github.com/golang-jwt/jwt/v5"
)

// LoadConfig returns an SDK config for the unauthenticated Cognito calls.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
}

// ProviderDomain is the identity provider part of the login key for a user pool in region.
func ProviderDomain(region string) string {
	return "cognito-idp." + region + ".amazonaws.com"
}

func NewIdentityProvider(p IdentityParams) *IdentityProvider {
	return &IdentityProvider{
		api:          cognitoidentityprovider.NewFromConfig(p.Config),
		clientID:     p.ClientID,
		clientSecret: p.ClientSecret,
		logger:       log.NewWithPrefix("cognito-idp"),
	}
}

// AuthenticateUser logs in against the user pool and returns the ID token.
func (ip *IdentityProvider) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	params := map[string]string{
		"USERNAME": username,
		"PASSWORD": password,
	}
	if ip.clientSecret != "" {
		params["SECRET_HASH"] = secretHash(username, ip.clientID, ip.clientSecret)
	}
	out, err := ip.api.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(ip.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return "", authError(err)
	}
	if out.ChallengeName == types.ChallengeNameTypeNewPasswordRequired {
		ip.logger.Warnf("New password required for %s", username)
		return "", &coordinator.AuthError{Kind: coordinator.NewPasswordRequired}
	}
	if out.ChallengeName != "" {
		return "", &coordinator.AuthError{
			Kind:  coordinator.ProviderFailed,
			Cause: fmt.Errorf("unsupported challenge %s", out.ChallengeName),
		}
	}
	if out.AuthenticationResult == nil || aws.ToString(out.AuthenticationResult.IdToken) == "" {
		return "", &coordinator.AuthError{
			Kind:  coordinator.ProviderFailed,
			Cause: errors.New("no id token in authentication result"),
		}
	}
	token := aws.ToString(out.AuthenticationResult.IdToken)
	if user, expires, err := inspectToken(token); err != nil {
		ip.logger.Warnf("Could not read id token claims: %s", err)
	} else {
		ip.logger.Debugf("Got id token for %s, expires %s", user, expires.Format(time.RFC3339))
	}
	return token, nil
}

func authError(err error) error {
	var (
		notAuthorized *types.NotAuthorizedException
		notFound      *types.UserNotFoundException
	)
	cause := apiError(err)
	switch {
	case errors.As(err, &notAuthorized), errors.As(err, &notFound):
		return &coordinator.AuthError{Kind: coordinator.InvalidCredentials, Cause: cause}
	default:
		return &coordinator.AuthError{Kind: coordinator.ProviderFailed, Cause: cause}
	}
}

// APIError keeps the AWS error code around so callers can see why a call failed.
type APIError struct {
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func apiError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return &APIError{Code: ae.ErrorCode(), Message: ae.ErrorMessage(), Err: err}
	}
	return err
}

// secretHash is Base64(HMAC_SHA256(secret, username + clientID)).
func secretHash(username, clientID, clientSecret string) string {
	mac := hmac.New(sha256.New, []byte(clientSecret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// inspectToken reads user and expiry from the ID token. The signature is not checked,
// the identity pool does that during the exchange.
func inspectToken(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, err
	}
	var expires time.Time
	if exp != nil {
		expires = exp.Time
	}
	user, _ := claims["cognito:username"].(string)
	if user == "" {
		user, _ = claims.GetSubject()
	}
	return user, expires, nil
}
