package archive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/celerway/mqttexplorer/explorer/observability"
	"github.com/celerway/mqttexplorer/log"
	"github.com/goccy/go-json"
	gokafka "github.com/segmentio/kafka-go"
)

const (
	DefaultBatchSize     = 10
	DefaultMaxBatchSize  = 100
	DefaultInterval      = time.Second
	DefaultRetryInterval = 10 * time.Second
	defaultKafkaTimeout  = 10 * time.Second
)

// Initialize sets up the Kafka writer and the buffer in front of it.
func Initialize(p Params) *Buffer {
	brokerAddr := gokafka.TCP(p.Broker + ":" + strconv.Itoa(p.Port))
	writer := &gokafka.Writer{
		Addr:         brokerAddr,
		Topic:        p.Topic,
		MaxAttempts:  10,
		BatchSize:    1,
		BatchTimeout: 20 * time.Millisecond, // the buffer does the batching
		RequiredAcks: gokafka.RequireAll,
		ErrorLogger:  gokafka.LoggerFunc(log.NewWithPrefix("kafka-internal").Errorf),
	}
	return newBuffer(writer, p)
}

func newBuffer(writer KafkaWriter, p Params) *Buffer {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.MaxBatchSize < p.BatchSize {
		p.MaxBatchSize = max(DefaultMaxBatchSize, p.BatchSize)
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	if p.Channel == nil {
		p.Channel = make(MessageChannel, p.BatchSize)
	}
	return &Buffer{
		C:                    p.Channel,
		writer:               writer,
		topic:                p.Topic,
		buffer:               make([]gokafka.Message, 0, p.BatchSize),
		batchSize:            p.BatchSize,
		maxBatchSize:         p.MaxBatchSize,
		interval:             p.Interval,
		failureRetryInterval: p.RetryInterval,
		kafkaTimeout:         defaultKafkaTimeout,
		obsChannel:           p.ObsChannel,
		logger:               log.NewWithPrefix("archive"),
	}
}

// Submit hands a message to the buffer without blocking. Returns false if the buffer is
// backed up and the message was dropped.
func (k *Buffer) Submit(msg Message) bool {
	select {
	case k.C <- msg:
		return true
	default:
		k.logger.Warnf("Archive backed up, dropping message on %s", msg.Topic)
		return false
	}
}

// Run reads the channel and writes to Kafka until the context is cancelled, then does a
// final flush.
func (k *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.logger.Infof("Archiving to kafka topic %s, write interval %v, batch size %d", k.topic, k.interval, k.batchSize)
loop:
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("context cancelled")
			break loop
		case <-ticker.C:
			if time.Since(k.lastSendAttempt) > k.interval {
				k.Send(false)
			}
		case m := <-k.C:
			k.Enqueue(m)
		}
	}
	// pick up whatever is still queued in the channel
	for {
		select {
		case m := <-k.C:
			k.enqueue(m)
			continue
		default:
		}
		break
	}
	k.logger.Info("Final flush of the buffer")
	k.Send(true)
}

// Enqueue adds a message to the buffer and sends when a batch is full, unless the writer is
// failing.
func (k *Buffer) Enqueue(msg Message) {
	if !k.enqueue(msg) {
		return
	}
	if len(k.buffer) >= k.batchSize {
		if k.failureState {
			return
		}
		k.logger.Debugf("Triggering flush (buffer is %d, batchSize is %d)", len(k.buffer), k.batchSize)
		k.Send(false)
		return
	}
	k.logger.Tracef("current buffer contains %d messages", len(k.buffer))
}

func (k *Buffer) enqueue(msg Message) bool {
	value, err := json.Marshal(msg)
	if err != nil {
		k.logger.Errorf("Could not encode message on %s: %s", msg.Topic, err)
		return false
	}
	k.buffer = append(k.buffer, gokafka.Message{Key: []byte(msg.Topic), Value: value})
	return true
}

// Send writes the buffered messages. In a failed state it only retries once the retry
// interval has passed, or when forced.
func (k *Buffer) Send(force bool) {
	if len(k.buffer) == 0 {
		k.logger.Trace("buffer empty")
		return
	}
	if k.failureState && time.Since(k.lastSendAttempt) < k.failureRetryInterval && !force {
		k.logger.Tracef("In a failed state, next retry in %v", k.failureRetryInterval-time.Since(k.lastSendAttempt))
		return
	}
	defer k.updateLastSendAttempt()
	var err error
	start := time.Now()
	msgs := len(k.buffer)
	if msgs <= k.maxBatchSize {
		err = k.sendAll()
	} else {
		err = k.sendBatched()
	}
	if err != nil {
		k.failures++
		k.logger.Warnf("Send: %s (buffered msgs: %d time taken: %v, failures: %d)",
			err, msgs, time.Since(start), k.failures)
		k.failureState = true
		return
	}
	k.logger.Debugf("Send: Wrote %d messages in %v [cur buffer: %d]", msgs, time.Since(start), len(k.buffer))
	k.failureState = false
}

func (k *Buffer) sendAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.kafkaTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, k.buffer...); err != nil {
		k.report(observability.ArchiveError)
		return err
	}
	k.report(observability.ArchiveSent)
	k.buffer = k.buffer[:0]
	return nil
}

// sendBatched writes maxBatchSize messages at a time. Batches that made it are removed from
// the buffer even if a later one fails.
func (k *Buffer) sendBatched() error {
	batches := (len(k.buffer) + k.maxBatchSize - 1) / k.maxBatchSize
	ctx, cancel := context.WithTimeout(context.Background(), k.kafkaTimeout*time.Duration(batches))
	defer cancel()
	for batch := 1; len(k.buffer) > 0; batch++ {
		n := min(len(k.buffer), k.maxBatchSize)
		if err := k.writer.WriteMessages(ctx, k.buffer[:n]...); err != nil {
			k.report(observability.ArchiveError)
			return fmt.Errorf("batch %d of %d: %w", batch, batches, err)
		}
		k.buffer = k.buffer[n:]
		k.report(observability.ArchiveSent)
	}
	k.buffer = k.buffer[:0]
	return nil
}

func (k *Buffer) updateLastSendAttempt() {
	k.lastSendAttempt = time.Now()
}

// report drops the status message when the channel is full. The final flush runs after the
// observability loop has stopped.
func (k *Buffer) report(msg observability.StatusMessage) {
	if k.obsChannel == nil {
		return
	}
	select {
	case k.obsChannel <- msg:
	default:
		k.logger.Tracef("Status channel full, dropping %v", msg)
	}
}
