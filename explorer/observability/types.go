package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Channel chan StatusMessage

type StatusMessage int

const (
	AuthAttempt StatusMessage = iota
	AuthSuccess
	AuthFailure
	CredentialsUpdated
	RefreshError
	MqttReceived
	MqttConnected
	MqttReconnecting
	MqttConnectionLost
	ArchiveSent
	ArchiveError
)

func (d StatusMessage) String() string {
	if d < AuthAttempt || d > ArchiveError {
		return "Unknown"
	}
	return [...]string{"AuthAttempt", "AuthSuccess", "AuthFailure", "CredentialsUpdated",
		"RefreshError", "MqttReceived", "MqttConnected", "MqttReconnecting",
		"MqttConnectionLost", "ArchiveSent", "ArchiveError"}[d]
}

type Params struct {
	Channel    Channel
	HealthPort int
}

type Observability struct {
	channel    Channel
	logger     *logrus.Entry
	ready      atomic.Bool
	healthPort int
	promReg    *prometheus.Registry

	authAttempts       prometheus.Counter
	authFailures       prometheus.Counter
	credentialUpdates  prometheus.Counter
	refreshErrors      prometheus.Counter
	mqttReceived       prometheus.Counter
	mqttConnects       prometheus.Counter
	mqttReconnects     prometheus.Counter
	mqttConnectionLost prometheus.Counter
	mqttState          prometheus.Gauge
	archiveSent        prometheus.Counter
	archiveErrors      prometheus.Counter
	archiveState       prometheus.Gauge
}
