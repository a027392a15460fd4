package cognito

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/celerway/mqttexplorer/log"
)

const (
	DefaultExpiryWindow  = 5 * time.Minute
	DefaultRetryInterval = time.Minute
	minRefreshDelay      = time.Second
	credentialsSource    = "CognitoIdentity"
)

var errNoIdentity = errors.New("no identity to refresh")

func NewExchanger(p ExchangeParams) *Exchanger {
	return newExchanger(cognitoidentity.NewFromConfig(p.Config), p)
}

func newExchanger(api identityPoolAPI, p ExchangeParams) *Exchanger {
	if p.ExpiryWindow <= 0 {
		p.ExpiryWindow = DefaultExpiryWindow
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	return &Exchanger{
		api:            api,
		identityPoolID: p.IdentityPoolID,
		expiryWindow:   p.ExpiryWindow,
		retryInterval:  p.RetryInterval,
		schedule:       make(chan time.Time, 1),
		refreshes:      make(chan Refresh),
		logger:         log.NewWithPrefix("cognito-identity"),
	}
}

// identityCredentials fetches credentials for one identity with a fixed login map.
type identityCredentials struct {
	api        identityPoolAPI
	identityID string
	logins     map[string]string
}

func (ic *identityCredentials) Retrieve(ctx context.Context) (aws.Credentials, error) {
	out, err := ic.api.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: aws.String(ic.identityID),
		Logins:     ic.logins,
	})
	if err != nil {
		return aws.Credentials{}, apiError(err)
	}
	if out.Credentials == nil {
		return aws.Credentials{}, errors.New("no credentials in response")
	}
	creds := aws.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Source:          credentialsSource,
	}
	if out.Credentials.Expiration != nil {
		creds.CanExpire = true
		creds.Expires = *out.Credentials.Expiration
	}
	return creds, nil
}

// Exchange resolves the identity for the token and fetches its credentials. The returned
// expiry is already moved forward by the expiry window; that is when the refresh fires.
func (e *Exchanger) Exchange(ctx context.Context, loginKey, identityToken string) (aws.Credentials, error) {
	logins := make(map[string]string, 1)
	logins[loginKey] = identityToken

	idOut, err := e.api.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(e.identityPoolID),
		Logins:         logins,
	})
	if err != nil {
		return aws.Credentials{}, &coordinator.AuthError{Kind: coordinator.ExchangeFailed, Cause: apiError(err)}
	}
	identityID := aws.ToString(idOut.IdentityId)
	cache := aws.NewCredentialsCache(&identityCredentials{
		api:        e.api,
		identityID: identityID,
		logins:     logins,
	}, func(o *aws.CredentialsCacheOptions) {
		o.ExpiryWindow = e.expiryWindow
	})
	creds, err := cache.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, &coordinator.AuthError{Kind: coordinator.ExchangeFailed, Cause: err}
	}
	e.logger.Infof("Got credentials for identity %s", identityID)

	e.mu.Lock()
	e.cache = cache
	e.identityID = identityID
	e.generation++
	e.mu.Unlock()
	if creds.CanExpire {
		e.scheduleRefresh(creds.Expires)
	}
	return creds, nil
}

// Refreshes delivers refreshed credentials, or the error of a failed refresh.
func (e *Exchanger) Refreshes() <-chan Refresh {
	return e.refreshes
}

// CredentialsProvider gives the SDK access to the credentials of the last exchange.
func (e *Exchanger) CredentialsProvider() aws.CredentialsProvider {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return nil
	}
	return e.cache
}

// Generation counts successful exchanges. Refreshes carry the generation they were fetched
// for.
func (e *Exchanger) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

func (e *Exchanger) IdentityID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identityID
}

// Run drives the refresh timer. Blocks until the context is cancelled.
func (e *Exchanger) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("Refresh loop shutting down")
			return
		case at := <-e.schedule:
			d := time.Until(at)
			if d < minRefreshDelay {
				d = minRefreshDelay
			}
			e.logger.Debugf("Next credential refresh in %v", d)
			stopTimer(timer)
			timer.Reset(d)
		case <-timer.C:
			r, current := e.refresh(ctx)
			if !current {
				// a newer exchange has scheduled its own refresh
				e.logger.Debug("Dropping refresh for a replaced identity")
				continue
			}
			select {
			case e.refreshes <- r:
			case <-ctx.Done():
				return
			}
			next := time.Now().Add(e.retryInterval)
			if r.Err == nil && r.Credentials.CanExpire {
				next = r.Credentials.Expires
			}
			d := time.Until(next)
			if d < minRefreshDelay {
				d = minRefreshDelay
			}
			timer.Reset(d)
		}
	}
}

// refresh fetches new credentials for the current identity. current is false when an
// exchange replaced the identity while the call was out.
func (e *Exchanger) refresh(ctx context.Context) (Refresh, bool) {
	e.mu.Lock()
	cache, gen := e.cache, e.generation
	e.mu.Unlock()
	if cache == nil {
		return Refresh{Err: errNoIdentity}, true
	}
	cache.Invalidate()
	creds, err := cache.Retrieve(ctx)

	e.mu.Lock()
	current := gen == e.generation
	e.mu.Unlock()
	if !current {
		return Refresh{}, false
	}
	if err != nil {
		e.logger.Warnf("Credential refresh failed: %s", err)
		return Refresh{Generation: gen, Err: err}, true
	}
	e.logger.Debug("Credentials refreshed")
	return Refresh{Generation: gen, Credentials: creds}, true
}

// scheduleRefresh replaces any pending schedule with at.
func (e *Exchanger) scheduleRefresh(at time.Time) {
	for {
		select {
		case e.schedule <- at:
			return
		default:
			select {
			case <-e.schedule:
			default:
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
