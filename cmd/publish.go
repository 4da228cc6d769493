package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/healthconnect/internal/events"
	"example.com/healthconnect/internal/messagebus"
	"example.com/healthconnect/internal/metrics"
)

var (
	publishTopic string
	publishKey   string
	publishFile  string
)

var publishCmd = &cobra.Command{
	Use:   "publish [json]",
	Short: "Publish one event",
	Long: `Publish one event as the configured service, for operations and replay.
The event is read from the argument, from --file, or from stdin. An event
without an id is given a random one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishTopic, "topic", "", "topic to publish on (required)")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "explicit partition key")
	publishCmd.Flags().StringVar(&publishFile, "file", "", "read the event from this file")
	_ = publishCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	body, err := readEvent(cmd, args)
	if err != nil {
		return err
	}

	evt, err := parseOwnedEvent(events.DefaultRegistry(), cfg.Service, publishTopic, body)
	if err != nil {
		return err
	}

	collector := metrics.NewMetricsCollector()
	bus, err := newBusClient(cfg, collector)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bus.SendTimeout+cfg.Bus.ConnectTimeout+time.Second)
	defer cancel()

	var opts []messagebus.PublishOption
	if publishKey != "" {
		opts = append(opts, messagebus.WithKey(publishKey))
	}
	bus.Publish(ctx, publishTopic, evt, opts...)
	if err := bus.Flush(ctx); err != nil {
		return errors.Wrap(err, "publish did not complete")
	}

	if collector.Counter(metrics.CounterMessagesPublished) == 0 {
		return errors.New("event was not published, see log for details")
	}
	log.Info().Str("topic", publishTopic).Str("event_type", evt.EventType()).Str("aggregate_id", evt.AggregateID()).Msg("Event published")
	return nil
}

func readEvent(cmd *cobra.Command, args []string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case publishFile != "":
		body, err := os.ReadFile(publishFile)
		return body, errors.Wrapf(err, "failed to read %s", publishFile)
	default:
		body, err := io.ReadAll(cmd.InOrStdin())
		return body, errors.Wrap(err, "failed to read event from stdin")
	}
}

// parseOwnedEvent decodes body and checks that service may emit it
func parseOwnedEvent(registry *events.Registry, service, topic string, body []byte) (events.Event, error) {
	evt, err := events.Decode(topic, withID(topic, body))
	if err != nil {
		return nil, err
	}
	if !registry.CanProduce(service, topic, evt.EventType()) {
		return nil, errors.Errorf("service %s may not produce %s on %s", service, evt.EventType(), topic)
	}
	return evt, nil
}

// withID fills in a missing id on topics whose events carry one
func withID(topic string, body []byte) []byte {
	if topic == events.TopicAssignment {
		return body
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if id, ok := fields["id"].(string); ok && id != "" {
		return body
	}
	fields["id"] = uuid.NewString()
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
