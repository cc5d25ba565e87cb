// Command worker runs a routine execution worker. It polls a Temporal task
// queue for routine workflows and node activities, persists execution
// timelines to MongoDB, publishes live progress to Redis streams, and serves
// the built-in plugins (staticdata, ifelse, splitbatches, httpreq,
// aitransform).
//
// # Configuration
//
// The worker reads an optional YAML file (-config) and applies environment
// overrides:
//
//	TEMPORAL_HOST_PORT   - Temporal frontend address (default: "localhost:7233")
//	TEMPORAL_NAMESPACE   - Temporal namespace (default: "default")
//	TEMPORAL_TASK_QUEUE  - Task queue to poll (default: "flowstate-routines")
//	MONGO_URI            - MongoDB connection string (default: "mongodb://localhost:27017")
//	MONGO_DATABASE       - Execution store database (default: "flowstate")
//	REDIS_ADDR           - Redis address for execution streams (default: "localhost:6379")
//	REDIS_PASSWORD       - Redis password (optional)
//	ANTHROPIC_API_KEY    - Enables the Anthropic model provider
//	OPENAI_API_KEY       - Enables the OpenAI model provider
//	AWS_REGION           - Enables the Bedrock model provider (with AWS_ACCESS_KEY_ID
//	                       and AWS_SECRET_ACCESS_KEY)
//
// # Example
//
//	MONGO_URI=mongodb://localhost:27017 REDIS_ADDR=localhost:6379 \
//	  go run ./cmd/worker -config worker.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	mongostore "flowstate.dev/flowstate/features/execstore/mongo"
	clientsmongo "flowstate.dev/flowstate/features/execstore/mongo/clients/mongo"
	pulsestream "flowstate.dev/flowstate/features/stream/pulse"
	clientspulse "flowstate.dev/flowstate/features/stream/pulse/clients/pulse"
	"flowstate.dev/flowstate/plugins/aitransform"
	"flowstate.dev/flowstate/plugins/httpreq"
	"flowstate.dev/flowstate/plugins/ifelse"
	"flowstate.dev/flowstate/plugins/splitbatches"
	"flowstate.dev/flowstate/plugins/staticdata"
	"flowstate.dev/flowstate/runtime/routine/credentials"
	temporalengine "flowstate.dev/flowstate/runtime/routine/engine/temporal"
	"flowstate.dev/flowstate/runtime/routine/plugin"
	"flowstate.dev/flowstate/runtime/routine/runtime"
	"flowstate.dev/flowstate/runtime/routine/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "log debug messages")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Execution store.
	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	storeClient, err := clientsmongo.New(clientsmongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("create execution store client: %w", err)
	}
	store, err := mongostore.NewStore(storeClient)
	if err != nil {
		return fmt.Errorf("create execution store: %w", err)
	}

	// Live execution event streams.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	streams, err := pulsestream.NewExecutionStreams(pulsestream.ExecutionStreamsOptions{Client: pulseClient})
	if err != nil {
		return fmt.Errorf("create execution streams: %w", err)
	}
	defer func() {
		if err := streams.Close(context.Background()); err != nil {
			log.Errorf(ctx, err, "close execution streams")
		}
	}()

	// Durable workflow engine.
	eng, err := temporalengine.New(temporalengine.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		},
		WorkerOptions: temporalengine.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return fmt.Errorf("create temporal engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Errorf(ctx, err, "close temporal engine")
		}
	}()

	rtOpts := []runtime.Option{
		runtime.WithEngine(eng),
		runtime.WithExecutionStore(store),
		runtime.WithStream(streams.Sink()),
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithTracer(tracer),
		runtime.WithQueue(cfg.Temporal.TaskQueue),
		runtime.WithExecutionOptions(cfg.executionOptions()),
	}
	if len(cfg.Credentials) > 0 {
		creds := credentials.Static{}
		for _, c := range cfg.Credentials {
			creds[c.ID] = credentials.Data(c.Data)
		}
		rtOpts = append(rtOpts, runtime.WithCredentials(creds))
	}
	rt := runtime.New(rtOpts...)

	if err := registerPlugins(ctx, rt, cfg); err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	if err := eng.Worker().Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer eng.Worker().Stop()

	// Wait for SIGINT or SIGTERM.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	log.Printf(ctx, "worker polling %q (namespace=%s)", cfg.Temporal.TaskQueue, cfg.Temporal.Namespace)
	log.Printf(ctx, "exiting (%v)", <-errc)
	return nil
}

// registerPlugins registers the built-in plugins. The AI transform plugin is
// only registered when at least one model provider is configured.
func registerPlugins(ctx context.Context, rt *runtime.Runtime, cfg *Config) error {
	builtins := []plugin.Plugin{
		staticdata.New(),
		ifelse.New(),
		splitbatches.New(),
		httpreq.New(httpreq.Options{
			HostRequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			HostBurst:             cfg.HTTP.Burst,
		}),
	}
	ai, err := buildAITransform(cfg)
	if err != nil {
		return err
	}
	if ai != nil {
		builtins = append(builtins, ai)
	} else {
		log.Printf(ctx, "no model providers configured, aitransform plugin disabled")
	}
	for _, p := range builtins {
		if err := rt.RegisterPlugin(p); err != nil {
			return fmt.Errorf("register plugin %s: %w", p.Definition().ID, err)
		}
	}
	log.Printf(ctx, "registered %d plugins", len(builtins))
	return nil
}

// buildAITransform assembles the AI transform plugin from the configured
// model providers. It returns nil when no provider is configured.
func buildAITransform(cfg *Config) (*aitransform.Plugin, error) {
	var providers []aitransform.Provider
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		p, err := aitransform.NewAnthropicProviderFromAPIKey(key, cfg.Providers.Anthropic.Model)
		if err != nil {
			return nil, fmt.Errorf("configure anthropic provider: %w", err)
		}
		providers = append(providers, p)
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		p, err := aitransform.NewOpenAIProviderFromAPIKey(key, cfg.Providers.OpenAI.Model)
		if err != nil {
			return nil, fmt.Errorf("configure openai provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.Providers.Bedrock.Region != "" {
		p, err := aitransform.NewBedrockProvider(bedrockClient(cfg.Providers.Bedrock), cfg.Providers.Bedrock.Model)
		if err != nil {
			return nil, fmt.Errorf("configure bedrock provider: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, nil
	}
	return aitransform.New(aitransform.Options{
		Providers:       providers,
		DefaultProvider: cfg.Providers.Default,
	})
}

// bedrockClient builds a Bedrock runtime client from static credentials. The
// worker configures the client directly instead of going through the AWS
// config loader.
func bedrockClient(cfg BedrockConfig) *bedrockruntime.Client {
	creds := aws.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Source:          "worker configuration",
	}
	return bedrockruntime.New(bedrockruntime.Options{
		Region: cfg.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}),
	})
}
