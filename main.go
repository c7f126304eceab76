package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pushpipe/aggregator/common"
	"github.com/pushpipe/aggregator/db"
	"github.com/pushpipe/aggregator/engine"
	"github.com/pushpipe/aggregator/handlers"
	"github.com/pushpipe/aggregator/handlerset"
	"github.com/pushpipe/aggregator/policy"
	"github.com/pushpipe/aggregator/push"
	"github.com/pushpipe/aggregator/scheduler"

	"github.com/DavidGamba/go-getoptions"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// aggregationTriggerName is the stable identity of the recurring trigger that
// finalizes due aggregation jobs.
const aggregationTriggerName = "aggregated-notifications"

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	Config string
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Default option values.
	defaultConfigPath := "/etc/pushpipe/aggregator.yml"

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Config, "config", defaultConfigPath,
		opt.Alias("c"),
		opt.Description("the path to the configuration file"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprintf(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprintf(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

// loadConfig reads the configuration file and applies the defaults.
func loadConfig(path string) (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigFile(path)
	cfg.SetDefault("db.driver", "postgres")
	cfg.SetDefault("amqp.exchange.name", "events")
	cfg.SetDefault("amqp.exchange.type", "topic")
	cfg.SetDefault("amqp.queue", "push-aggregator")
	cfg.SetDefault("aggregation.tick_interval", "60s")
	cfg.SetDefault("aggregation.claim_limit", 100)
	cfg.SetDefault("log.level", "info")
	if err := cfg.ReadInConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	// Parse the command-line.
	optionValues := parseCommandLine()

	log := logrus.WithField("service", "push-aggregator")

	// Read in the configuration file.
	cfg, err := loadConfig(optionValues.Config)
	if err != nil {
		log.WithError(err).Fatal("unable to load the configuration file")
	}

	// Initialize logging.
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.GetString("log.level"))
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Establish the database connection.
	database, err := db.InitDatabase(ctx, cfg.GetString("db.driver"), cfg.GetString("db.uri"))
	if err != nil {
		log.WithError(err).Fatal("unable to connect to the database")
	}
	defer database.Close()
	client := db.NewClient(database)

	// Build the delivery pipeline.
	transport := push.NewTransport(push.Config{
		Subject:    cfg.GetString("webpush.subject"),
		PublicKey:  cfg.GetString("webpush.public_key"),
		PrivateKey: cfg.GetString("webpush.private_key"),
		TTL:        cfg.GetInt("webpush.ttl"),
	}, client)
	if !transport.Enabled() {
		log.Warn("web push credentials are not configured; deliveries will report the disabled outcome")
	}
	deliveryPolicy := policy.New(client)
	aggregationEngine := engine.New(client, deliveryPolicy, transport)

	// Register the recurring trigger that finalizes due aggregation windows.
	// Registration is idempotent across restarts.
	claimLimit := cfg.GetInt("aggregation.claim_limit")
	tickInterval := cfg.GetDuration("aggregation.tick_interval")
	registry := scheduler.NewRegistry()
	registry.Register(aggregationTriggerName, tickInterval, func(taskCtx context.Context) error {
		return aggregationEngine.ProcessDueJobs(taskCtx, claimLimit)
	})
	registry.Start(ctx)
	defer registry.Stop()

	// Connect the domain-event intake.
	amqpSettings := &common.AMQPSettings{
		URI:          cfg.GetString("amqp.uri"),
		ExchangeName: cfg.GetString("amqp.exchange.name"),
		ExchangeType: cfg.GetString("amqp.exchange.type"),
		QueueName:    cfg.GetString("amqp.queue"),
	}
	handlerSet, err := handlerset.New(amqpSettings, handlers.InitMessageHandlers(aggregationEngine))
	if err != nil {
		log.WithError(err).Fatal("unable to connect to the AMQP broker")
	}
	defer handlerSet.Close()

	log.WithFields(logrus.Fields{
		"tickInterval": tickInterval,
		"claimLimit":   claimLimit,
	}).Info("push aggregation pipeline started")
	if err := handlerSet.Listen(ctx); err != nil {
		log.WithError(err).Error("the consume loop exited")
	}
	log.Info("shutting down")
}
