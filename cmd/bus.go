package cmd

import (
	"github.com/pkg/errors"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/messagebus"
	"example.com/healthconnect/internal/metrics"
)

// Bus drivers
const (
	BusKafka      = "kafka"
	BusNATS       = "nats"
	BusRabbitMQ   = "rabbitmq"
	BusServiceBus = "servicebus"
	BusMemory     = "memory"
)

// newDialer picks the broker transport for cfg.Bus.Driver
func newDialer(c config.Config) (messagebus.Dialer, error) {
	switch c.Bus.Driver {
	case BusKafka, "":
		return messagebus.KafkaDialer{
			Brokers:       c.Bus.Brokers,
			ClientID:      c.Bus.ClientID + "-" + c.Service,
			RecordRetries: c.Bus.RecordRetries,
		}, nil
	case BusNATS:
		return messagebus.NATSDialer{URL: c.Bus.URL, Name: c.Bus.ClientID + "-" + c.Service}, nil
	case BusRabbitMQ:
		return messagebus.RabbitDialer{URL: c.Bus.URL, Exchange: c.Bus.Exchange}, nil
	case BusServiceBus:
		return messagebus.ServiceBusDialer{ConnectionString: c.Bus.ConnString}, nil
	case BusMemory:
		return messagebus.NewMemoryBroker().Dialer(), nil
	default:
		return nil, errors.Errorf("unsupported bus driver %q", c.Bus.Driver)
	}
}

func newBusClient(c config.Config, collector *metrics.MetricsCollector) (*messagebus.Client, error) {
	dialer, err := newDialer(c)
	if err != nil {
		return nil, err
	}
	return messagebus.NewClient(dialer, messagebus.Options{
		ConnectTimeout: c.Bus.ConnectTimeout,
		SendTimeout:    c.Bus.SendTimeout,
		Metrics:        collector,
	}), nil
}
