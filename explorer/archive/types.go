package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/celerway/mqttexplorer/explorer/observability"
	gokafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Message is what ends up as the value of a Kafka message, JSON encoded.
type Message struct {
	Topic    string    `json:"topic"`
	Content  []byte    `json:"content"`
	Received time.Time `json:"received"`
	ClientID string    `json:"clientId"`
}

func (msg Message) String() string {
	return fmt.Sprintf("Topic: %s, payload %s", msg.Topic, string(msg.Content))
}

type MessageChannel chan Message

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...gokafka.Message) error
}

type Params struct {
	Broker        string
	Port          int
	Topic         string
	Channel       MessageChannel
	BatchSize     int
	MaxBatchSize  int
	Interval      time.Duration
	RetryInterval time.Duration
	ObsChannel    observability.Channel
}

type Buffer struct {
	C                    MessageChannel
	writer               KafkaWriter
	topic                string
	buffer               []gokafka.Message
	batchSize            int
	maxBatchSize         int
	interval             time.Duration
	failureState         bool
	failureRetryInterval time.Duration
	failures             int
	lastSendAttempt      time.Time
	kafkaTimeout         time.Duration
	obsChannel           observability.Channel
	logger               *logrus.Entry
}
