package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/events"
)

var (
	cfgFile string
	service string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "healthconnect",
	Short: "HealthConnect event propagation and projections",
	Long: `Runs one HealthConnect service's side of the event bus.

Every service (auth, patient, doctor, appointment, admin) keeps a private
database. The worker consumes the topics the service subscribes to and keeps
its read model in line with the owners of each aggregate.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, then ./app.env)")
	rootCmd.PersistentFlags().StringVar(&service, "service", "", "service to run as (auth, patient, doctor, appointment, admin)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() error {
	var err error
	cfg, err = config.LoadConfig(".", cfgFile)
	if err != nil {
		return err
	}
	if service != "" {
		cfg.Service = service
	}
	if !events.DefaultRegistry().Known(cfg.Service) {
		return errors.Errorf("unknown service %q", cfg.Service)
	}

	configureLogging(cfg.Logging)
	log.Logger = log.With().Str("service", cfg.Service).Logger()
	return nil
}

func configureLogging(lc config.LoggingConfig) {
	if lc.Format == "console" || cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if os.Getenv("LOG_LEVEL") != "" {
		if envLevel, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
			level = envLevel
		}
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
