// Command hearth runs the durable execution engine for long-lived agent
// interactions: sessions, asynchronous continuations, write-ahead step logs,
// and crash recovery.
//
// The engine persists to a filesystem layout under the configured data
// directory by default; MongoDB-backed record stores and a Redis Streams step
// event sink can be enabled through the YAML configuration.
//
// One-shot usage:
//
//	ANTHROPIC_API_KEY=... hearth -ask "is the front door locked?"
//
// Service usage (restores persisted state, runs cleanup sweeps until
// SIGINT/SIGTERM):
//
//	ANTHROPIC_API_KEY=... hearth -config hearth.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	planneranthropic "github.com/hearth-agent/hearth/features/planner/anthropic"
	"github.com/hearth-agent/hearth/features/persist/fs"
	sessionmongo "github.com/hearth-agent/hearth/features/session/mongo"
	clientsmongo "github.com/hearth-agent/hearth/features/session/mongo/clients/mongo"
	streamredis "github.com/hearth-agent/hearth/features/stream/redis"
	clientsredis "github.com/hearth-agent/hearth/features/stream/redis/clients/redis"
	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/runtime"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/telemetry"
	"github.com/hearth-agent/hearth/runtime/agent/tools"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		askF    = flag.String("ask", "", "Send one message through a temporary session, print the response, and exit")
		toolsF  = flag.Bool("tools", true, "Allow tool use for -ask")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
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

	if err := run(ctx, *configF, *askF, *toolsF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath, ask string, allowTools bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.AnthropicAPIKey == "" {
		return fmt.Errorf("anthropic api key is required (set ANTHROPIC_API_KEY)")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	stores, err := fs.New(fs.Options{Root: cfg.DataDir, MaxArtifactSize: cfg.MaxArtifactBytes})
	if err != nil {
		return err
	}

	opts := runtime.Options{
		Sessions:      stores.Sessions,
		Continuations: stores.Continuations,
		Artifacts:     stores.Artifacts,
		Logger:        logger,
		Metrics:       metrics,
		LogPath:       stores.LogPath,
		DefaultModel:  cfg.Model,
		DefaultBudgets: session.Budgets{
			MaxSteps:     cfg.Budgets.MaxSteps,
			MaxToolCalls: cfg.Budgets.MaxToolCalls,
			MaxDuration:  cfg.Budgets.MaxDuration,
			MaxTokens:    cfg.Budgets.MaxTokens,
		},
		IdleTTL: cfg.IdleTTL,
	}

	// Record stores: MongoDB when configured, the filesystem layout
	// otherwise. Step logs and artifacts always live on the filesystem.
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return err
		}
		sessStore, err := sessionmongo.NewStore(client)
		if err != nil {
			return err
		}
		contStore, err := sessionmongo.NewContinuationStore(client)
		if err != nil {
			return err
		}
		opts.Sessions = sessStore
		opts.Continuations = contStore
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		streamClient, err := clientsredis.New(clientsredis.Options{Redis: rdb, StreamMaxLen: cfg.Redis.StreamMaxLen})
		if err != nil {
			return err
		}
		sink, err := streamredis.NewSink(streamredis.Options{Client: streamClient})
		if err != nil {
			return err
		}
		opts.Stream = sink
	}

	var limiter *rate.Limiter
	if cfg.ActuationRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ActuationRate), 1)
	}
	registry := tools.NewRegistry(tools.RegistryOptions{
		ActuationLimiter: limiter,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err := registerBuiltinTools(registry); err != nil {
		return err
	}
	opts.Tools = registry

	plan, err := planneranthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.Model)
	if err != nil {
		return err
	}
	opts.Planner = plan

	engine, err := runtime.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			log.Errorf(ctx, err, "close engine")
		}
	}()
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}

	if ask != "" {
		result, err := engine.Ask(ctx, ask, runtime.AskOptions{AllowTools: allowTools})
		if err != nil {
			return err
		}
		fmt.Println(result.Response.FinalMessage)
		for _, ref := range result.Artifacts {
			log.Print(ctx, log.KV{K: "artifact", V: ref.ID}, log.KV{K: "type", V: string(ref.Type)}, log.KV{K: "location", V: ref.Location})
		}
		return nil
	}

	log.Print(ctx, log.KV{K: "msg", V: "engine ready"}, log.KV{K: "data_dir", V: cfg.DataDir})
	return serve(ctx, engine, cfg)
}

// serve runs the background cleanup sweeps until SIGINT/SIGTERM.
func serve(ctx context.Context, engine *runtime.Runtime, cfg Config) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case sig := <-stop:
			log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "signal", V: sig.String()})
			return nil
		case <-ticker.C:
			if n, err := engine.CleanupSessions(ctx); err != nil {
				log.Errorf(ctx, err, "session cleanup")
			} else if n > 0 {
				log.Print(ctx, log.KV{K: "msg", V: "sessions expired"}, log.KV{K: "count", V: n})
			}
			if cfg.ArtifactRetention > 0 {
				cutoff := time.Now().Add(-cfg.ArtifactRetention)
				if n, err := engine.CleanupArtifacts(ctx, cutoff); err != nil {
					log.Errorf(ctx, err, "artifact cleanup")
				} else if n > 0 {
					log.Print(ctx, log.KV{K: "msg", V: "artifacts removed"}, log.KV{K: "count", V: n})
				}
			}
		}
	}
}

// registerBuiltinTools installs the capabilities available to every
// deployment. Home-automation tools are registered by deployments that
// configure a hass client.
func registerBuiltinTools(registry *tools.Registry) error {
	if err := registry.Register(tools.Spec{
		Name:        "clock.now",
		Description: "Return the current date and time in RFC 3339 format.",
		InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
		Handler: func(_ context.Context, _ json.RawMessage, _ *tools.Invocation) (any, error) {
			return map[string]string{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}); err != nil {
		return err
	}
	return registry.Register(tools.Spec{
		Name:        "artifact.save",
		Description: "Store text content as a durable artifact and return its reference.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string"},
				"label": {"type": "string"}
			},
			"required": ["content"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (any, error) {
			var in struct {
				Content string `json:"content"`
				Label   string `json:"label"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			meta := map[string]string{"continuation_id": inv.ContinuationID}
			if in.Label != "" {
				meta["label"] = in.Label
			}
			ref, err := inv.Artifacts.Write(ctx, artifact.TypeText, []byte(in.Content), meta)
			if err != nil {
				return nil, err
			}
			return map[string]string{"artifact_id": ref.ID, "location": ref.Location}, nil
		},
	})
}
