package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/celerway/mqttexplorer/explorer"
	"github.com/celerway/mqttexplorer/explorer/archive"
	"github.com/joeshaw/envdecode"
)

type config struct {
	Region          string        `env:"AWS_REGION"`
	Endpoint        string        `env:"IOT_ENDPOINT"`
	IdentityPoolID  string        `env:"COGNITO_IDENTITY_POOL_ID"`
	UserPoolID      string        `env:"COGNITO_USER_POOL_ID"`
	ClientID        string        `env:"COGNITO_CLIENT_ID"`
	ClientSecret    string        `env:"COGNITO_CLIENT_SECRET"`
	MqttClientID    string        `env:"MQTT_CLIENT_ID"`
	Topic           string        `env:"MQTT_TOPIC,default=subscribe-topic"`
	MaxReconnect    time.Duration `env:"MQTT_MAX_RECONNECT,default=2s"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT,default=15s"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT,default=15s"`
	HistorySize     int           `env:"HISTORY_SIZE,default=1000"`
	APIPort         int           `env:"API_PORT,default=8081"`
	HealthPort      int           `env:"HEALTH_PORT,default=8080"`

	KafkaBroker        string        `env:"KAFKA_BROKER"`
	KafkaPort          int           `env:"KAFKA_PORT,default=9092"`
	KafkaTopic         string        `env:"KAFKA_TOPIC,default=mqtt-explorer"`
	KafkaBatchSize     int           `env:"KAFKA_BATCH_SIZE,default=10"`
	KafkaMaxBatchSize  int           `env:"KAFKA_MAX_BATCH_SIZE,default=100"`
	KafkaInterval      time.Duration `env:"KAFKA_INTERVAL,default=1s"`
	KafkaRetryInterval time.Duration `env:"KAFKA_RETRY_INTERVAL,default=10s"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogJSON  bool   `env:"LOG_JSON,default=false"`
}

func loadConfig() (config, error) {
	var cfg config
	err := envdecode.Decode(&cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("decoding environment: %w", err)
	}
	return cfg, nil
}

// validate checks that the options needed to log in are there, plus the broker endpoint
// when withBroker is set.
func (c config) validate(withBroker bool) error {
	var missing []string
	check := func(v, env string) {
		if v == "" {
			missing = append(missing, env)
		}
	}
	check(c.Region, "AWS_REGION")
	check(c.IdentityPoolID, "COGNITO_IDENTITY_POOL_ID")
	check(c.UserPoolID, "COGNITO_USER_POOL_ID")
	check(c.ClientID, "COGNITO_CLIENT_ID")
	if withBroker {
		check(c.Endpoint, "IOT_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("mandatory options not given in ENV or by flag: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c config) explorerParams() explorer.Params {
	p := explorer.Params{
		Region:               c.Region,
		Endpoint:             c.Endpoint,
		IdentityPoolID:       c.IdentityPoolID,
		UserPoolID:           c.UserPoolID,
		ClientID:             c.ClientID,
		ClientSecret:         c.ClientSecret,
		MqttClientID:         c.MqttClientID,
		Topic:                c.Topic,
		MaxReconnectInterval: c.MaxReconnect,
		AuthTimeout:          c.AuthTimeout,
		ExchangeTimeout:      c.ExchangeTimeout,
		HistorySize:          c.HistorySize,
		APIPort:              c.APIPort,
		HealthPort:           c.HealthPort,
	}
	if c.KafkaBroker != "" {
		p.Kafka = &archive.Params{
			Broker:        c.KafkaBroker,
			Port:          c.KafkaPort,
			Topic:         c.KafkaTopic,
			BatchSize:     c.KafkaBatchSize,
			MaxBatchSize:  c.KafkaMaxBatchSize,
			Interval:      c.KafkaInterval,
			RetryInterval: c.KafkaRetryInterval,
		}
	}
	return p
}
