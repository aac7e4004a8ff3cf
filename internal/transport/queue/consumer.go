package queue

import (
	"fmt"

	"github.com/nsqio/go-nsq"
)

// ConsumerConfig describes how the uploading side subscribes.
type ConsumerConfig struct {
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	MaxInFlight    int
	Concurrency    int
}

// NewProducer creates the producer Begin publishes with.
func NewProducer(nsqdTCPAddr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("queue: create producer: %w", err)
	}
	return p, nil
}

// Consume subscribes t to its topic. The caller stops the returned consumer.
func Consume(t *Transport, cfg ConsumerConfig) (*nsq.Consumer, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(t.topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("queue: create consumer: %w", err)
	}
	consumer.AddConcurrentHandlers(t, cfg.Concurrency)

	// connecting straight to nsqd creates the channel before the first publish
	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("queue: connect to nsqd: %w", err)
		}
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("queue: connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}
