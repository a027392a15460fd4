package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/celerway/mqttexplorer/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Values of the mqtt_state gauge.
const (
	stateDisconnected = 0
	stateConnecting   = 1
	stateConnected    = 2
)

func Initialize(params Params) *Observability {
	reg := prometheus.NewRegistry()
	obs := &Observability{
		channel:    params.Channel,
		logger:     log.NewWithPrefix("observability"),
		healthPort: params.HealthPort,
		promReg:    reg,
	}
	factory := promauto.With(reg)
	obs.authAttempts = factory.NewCounter(prometheus.CounterOpts{
		Name: "auth_attempts",
		Help: "Number of login attempts",
	})
	obs.authFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "auth_failures",
		Help: "Number of failed login attempts",
	})
	obs.credentialUpdates = factory.NewCounter(prometheus.CounterOpts{
		Name: "credential_updates",
		Help: "Number of times credentials were handed to the broker session",
	})
	obs.refreshErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "credential_refresh_errors",
		Help: "Number of failed credential refreshes",
	})
	obs.mqttReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_received",
		Help: "Number of received MQTT messages",
	})
	obs.mqttConnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connects",
		Help: "Number of successful connects to the broker",
	})
	obs.mqttReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnects",
		Help: "Number of reconnect attempts",
	})
	obs.mqttConnectionLost = factory.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connection_lost",
		Help: "Number of lost connections",
	})
	obs.mqttState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_state",
		Help: "Broker connection (0 disconnected, 1 connecting, 2 connected)",
	})
	obs.archiveSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "archive_sent",
		Help: "Number of batches sent to kafka",
	})
	obs.archiveErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "archive_errors",
		Help: "No of errors encountered with Kafka",
	})
	obs.archiveState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "archive_state",
		Help: "Kafka status (0 is OK)",
	})
	return obs
}

// Run consumes status messages and serves /metrics and /healthz. Blocks until the context
// is cancelled.
func (obs *Observability) Run(ctx context.Context) {
	obs.logger.Debug("Observability worker is running")
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-obs.channel:
				obs.handleChannelMessage(msg)
			}
		}
	}()
	if obs.healthPort != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.runHttpServer(ctx) // will return when context is cancelled.
		}()
	}
	wg.Wait()
	obs.logger.Info("Observability worker is done")
}

func (obs *Observability) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Handle("/metrics", promhttp.HandlerFor(obs.promReg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", obs.HealthzHandler)
	return router
}

// runHttpServer serves the healthz and metrics endpoints until the context is cancelled.
func (obs *Observability) runHttpServer(ctx context.Context) {
	listenPort := fmt.Sprintf(":%d", obs.healthPort)
	obs.logger.Infof("Observability service attempting to listen to port %s", listenPort)
	srv := &http.Server{
		Addr:    listenPort,
		Handler: obs.Router(),
	}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			obs.logger.Errorf("Observability service: %s", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.logger.Errorf("Observability service shutdown error: %s", err)
	}
	wg.Wait()
}

func (obs *Observability) handleChannelMessage(msg StatusMessage) {
	obs.logger.Tracef("Observability received %s", msg)

	switch msg {
	case AuthAttempt:
		obs.authAttempts.Inc()
	case AuthSuccess:
		// attempts minus failures, nothing to count separately.
	case AuthFailure:
		obs.authFailures.Inc()
	case CredentialsUpdated:
		obs.credentialUpdates.Inc()
	case RefreshError:
		obs.refreshErrors.Inc()
	case MqttReceived:
		obs.mqttReceived.Inc()
	case MqttConnected:
		obs.mqttConnects.Inc()
		obs.mqttState.Set(stateConnected)
	case MqttReconnecting:
		obs.mqttReconnects.Inc()
		obs.mqttState.Set(stateConnecting)
	case MqttConnectionLost:
		obs.mqttConnectionLost.Inc()
		obs.mqttState.Set(stateDisconnected)
	case ArchiveSent:
		obs.archiveSent.Inc()
		obs.archiveState.Set(0)
	case ArchiveError:
		obs.archiveErrors.Inc()
		obs.archiveState.Set(1)
	default:
		obs.logger.Errorf("Observability: Unknown message recived")
	}
}

func GetChannel(size int) Channel {
	return make(Channel, size)
}

func (obs *Observability) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	if obs.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusLocked)
		_, _ = w.Write([]byte("not ready"))
	}
}

func (obs *Observability) Ready() {
	obs.ready.Store(true)
}
