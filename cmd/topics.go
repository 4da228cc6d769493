package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"example.com/healthconnect/internal/events"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Show what the service produces and consumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printContract(cmd.OutOrStdout(), events.DefaultRegistry(), cfg.Service)
	},
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}

func printContract(out io.Writer, registry *events.Registry, service string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SERVICE\t%s\n", service)
	fmt.Fprintf(w, "GROUP\t%s\n\n", events.ConsumerGroup(service))

	produced := map[string][]string{}
	var order []string
	for _, route := range registry.Produces(service) {
		if _, ok := produced[route.Topic]; !ok {
			order = append(order, route.Topic)
		}
		produced[route.Topic] = append(produced[route.Topic], route.Type)
	}

	fmt.Fprintln(w, "PRODUCES\tTYPES")
	for _, topic := range order {
		fmt.Fprintf(w, "%s\t%s\n", topic, strings.Join(produced[topic], ","))
	}

	fmt.Fprintln(w, "\nCONSUMES\tTYPES")
	for _, topic := range registry.Subscriptions(service) {
		fmt.Fprintf(w, "%s\t%s\n", topic, strings.Join(events.Types(topic), ","))
	}
	return w.Flush()
}
