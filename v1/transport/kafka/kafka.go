package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	skerrors "github.com/mirkobrombin/go-skmutex/v1/errors"
	"github.com/mirkobrombin/go-skmutex/v1/transport"
)

const defaultPrefix = "skmutex"

// Options configures a Kafka transport.
type Options struct {
	// Prefix namespaces the topics of one group of sites.
	Prefix string
}

// Transport implements transport.Transport over Kafka. Site i consumes
// partition 0 of topic "<prefix>-site-<i>"; every send targets that single
// partition so the order of a sender is kept.
type Transport struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	pc        sarama.PartitionConsumer
	prefix    string
	self      int
	n         int
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	received  atomic.Uint64
}

// New connects to brokers and starts consuming the inbox of site self.
// cfg may be nil.
func New(brokers []string, cfg *sarama.Config, self, n int, opts Options) (*Transport, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	t, err := NewFromClients(producer, consumer, self, n, opts)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	t.client = client
	return t, nil
}

// NewFromClients builds a transport on an existing producer and consumer.
// The producer must use a manual partitioner.
func NewFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, self, n int, opts Options) (*Transport, error) {
	if err := transport.CheckSite(self, n); err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	t := &Transport{
		producer: producer,
		consumer: consumer,
		prefix:   opts.Prefix,
		self:     self,
		n:        n,
		done:     make(chan struct{}),
	}
	pc, err := consumer.ConsumePartition(t.Topic(self), 0, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("kafka: consume %s: %w", t.Topic(self), err)
	}
	t.pc = pc
	return t, nil
}

// Topic returns the inbox topic of site id.
func (t *Transport) Topic(id int) string {
	return t.prefix + "-site-" + strconv.Itoa(id)
}

// Send implements transport.Transport.Send.
func (t *Transport) Send(ctx context.Context, to int, data []byte) error {
	if err := transport.CheckSite(to, t.n); err != nil {
		return err
	}
	select {
	case <-t.done:
		return skerrors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := &sarama.ProducerMessage{
		Topic:     t.Topic(to),
		Partition: 0,
		Key:       sarama.StringEncoder(strconv.Itoa(t.self)),
		Value:     sarama.ByteEncoder(data),
	}
	if _, _, err := t.producer.SendMessage(msg); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// Recv implements transport.Transport.Recv.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-t.pc.Messages():
		if !ok {
			return nil, skerrors.ErrConnectionClosed
		}
		t.received.Add(1)
		return msg.Value, nil
	case cerr, ok := <-t.pc.Errors():
		if !ok {
			return nil, skerrors.ErrConnectionClosed
		}
		return nil, fmt.Errorf("kafka: consume %s: %w", cerr.Topic, cerr.Err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, skerrors.ErrConnectionClosed
	}
}

// Close releases the consumer, producer and, when owned, the client.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.pc.Close()
		_ = t.producer.Close()
		_ = t.consumer.Close()
		if t.client != nil {
			_ = t.client.Close()
		}
	})
	return nil
}

// Metrics returns the sent and received counts.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Received: t.received.Load()}
}
