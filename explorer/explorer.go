package explorer

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/celerway/mqttexplorer/explorer/api"
	"github.com/celerway/mqttexplorer/explorer/archive"
	"github.com/celerway/mqttexplorer/explorer/cognito"
	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/celerway/mqttexplorer/explorer/mqtt"
	"github.com/celerway/mqttexplorer/explorer/observability"
	"github.com/celerway/mqttexplorer/log"
)

const (
	eventBuffer = 100
	obsBuffer   = 100
)

// New wires the components together. Nothing talks to the network until Run.
func New(ctx context.Context, p Params) (*Explorer, error) {
	logger := log.NewWithPrefix("explorer")
	cfg, err := cognito.LoadConfig(ctx, p.Region)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	obsChannel := observability.GetChannel(obsBuffer)
	ex := &Explorer{
		obs:    observability.Initialize(observability.Params{Channel: obsChannel, HealthPort: p.HealthPort}),
		events: make(mqtt.EventChannel, eventBuffer),
		logger: logger,
	}
	ex.session = mqtt.Initialize(mqtt.Params{
		Endpoint:             p.Endpoint,
		Region:               p.Region,
		ClientID:             p.MqttClientID,
		MaxReconnectInterval: p.MaxReconnectInterval,
		Events:               ex.events,
	})
	ex.exchanger = cognito.NewExchanger(cognito.ExchangeParams{
		Config:         cfg,
		IdentityPoolID: p.IdentityPoolID,
	})
	if p.Kafka != nil {
		kp := *p.Kafka
		kp.ObsChannel = obsChannel
		ex.archive = archive.Initialize(kp)
	}
	ex.coordinator = coordinator.New(coordinator.Params{
		Session:  ex.session,
		Identity: cognito.NewIdentityProvider(cognito.IdentityParams{
			Config:       cfg,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
		}),
		Exchanger:       ex.exchanger,
		ProviderDomain:  cognito.ProviderDomain(p.Region),
		UserPoolID:      p.UserPoolID,
		InitialTopic:    p.Topic,
		HistorySize:     p.HistorySize,
		AuthTimeout:     p.AuthTimeout,
		ExchangeTimeout: p.ExchangeTimeout,
		ObsChannel:      obsChannel,
		Listener:        ex.forwarder(p.Listener),
	})
	if p.APIPort != 0 {
		ex.api = api.New(api.Params{Coordinator: ex.coordinator, Port: p.APIPort})
	}
	return ex, nil
}

// forwarder passes received messages on to the archive and the caller's listener.
func (ex *Explorer) forwarder(listener func(coordinator.Entry)) func(coordinator.Entry) {
	clientID := ex.session.ClientID()
	return func(e coordinator.Entry) {
		if ex.archive != nil {
			ex.archive.Submit(archive.Message{
				Topic:    e.Topic,
				Content:  []byte(e.Payload),
				Received: e.Received,
				ClientID: clientID,
			})
		}
		if listener != nil {
			listener(e)
		}
	}
}

func (ex *Explorer) Coordinator() *coordinator.Coordinator {
	return ex.coordinator
}

// Run starts the workers, connects the broker session and feeds broker events and credential
// refreshes to the coordinator until the context is cancelled.
func (ex *Explorer) Run(ctx context.Context) {
	wg := sync.WaitGroup{}
	start := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
			ex.logger.Debugf("%s stopped", name)
		}()
	}
	start("observability", ex.obs.Run)
	start("credential refresh", ex.exchanger.Run)
	if ex.archive != nil {
		start("archive", ex.archive.Run)
	}
	if ex.api != nil {
		start("api", ex.api.Run)
	}
	ex.session.Connect()
	ex.obs.Ready()
	ex.logger.Info("Explorer running")

	pump(ctx, ex.events, ex.exchanger.Refreshes(), ex.coordinator)

	ex.logger.Info("Shutting down")
	ex.session.Disconnect()
	wg.Wait()
	ex.logger.Infof("Explorer done. There are currently %d goroutines", runtime.NumGoroutine())
}

// pump is the main loop. Everything the broker or the refresh timer reports reaches the
// coordinator from here, one at a time.
func pump(ctx context.Context, events <-chan mqtt.Event, refreshes <-chan cognito.Refresh, h eventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Kind {
			case mqtt.EventConnect:
				h.HandleConnect()
			case mqtt.EventReconnect:
				h.HandleReconnect()
			case mqtt.EventConnectionLost:
				h.HandleConnectionLost(e.Err)
			case mqtt.EventMessage:
				h.HandleMessage(e.Topic, e.Payload)
			}
		case r := <-refreshes:
			h.HandleRefresh(r.Credentials, r.Generation, r.Err)
		}
	}
}

// WhoAmI logs in and asks STS who the resulting credentials belong to. The broker is not
// involved.
func WhoAmI(ctx context.Context, p Params, username, password string) (string, string, error) {
	cfg, err := cognito.LoadConfig(ctx, p.Region)
	if err != nil {
		return "", "", fmt.Errorf("loading aws config: %w", err)
	}
	idp := cognito.NewIdentityProvider(cognito.IdentityParams{
		Config:       cfg,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	})
	if p.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AuthTimeout+p.ExchangeTimeout)
		defer cancel()
	}
	token, err := idp.AuthenticateUser(ctx, username, password)
	if err != nil {
		return "", "", err
	}
	exchanger := cognito.NewExchanger(cognito.ExchangeParams{Config: cfg, IdentityPoolID: p.IdentityPoolID})
	creds, err := exchanger.Exchange(ctx, coordinator.LoginKey(cognito.ProviderDomain(p.Region), p.UserPoolID), token)
	if err != nil {
		return "", "", err
	}
	out, err := cognito.CallerIdentity(ctx, cfg, creds)
	if err != nil {
		return "", "", fmt.Errorf("get caller identity: %w", err)
	}
	return exchanger.IdentityID(), aws.ToString(out.Arn), nil
}
