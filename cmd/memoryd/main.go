// Command memoryd runs one session-wall process for a single agent variant
// (spec.md §6: "Variant server: --agent-type, --port, --model"), grounded on
// the teacher's cmd/orchestrator/main.go run()-returns-error shape and its
// signal.NotifyContext graceful-shutdown pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/intelligencedev/memoryd/internal/config"
	"github.com/intelligencedev/memoryd/internal/consolidation"
	"github.com/intelligencedev/memoryd/internal/contextblock"
	"github.com/intelligencedev/memoryd/internal/distillation"
	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/graphstore"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/llm/providers"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/promotion"
	"github.com/intelligencedev/memoryd/internal/scripts"
	"github.com/intelligencedev/memoryd/internal/storage"
	"github.com/intelligencedev/memoryd/internal/tiers/l1"
	"github.com/intelligencedev/memoryd/internal/tiers/l2"
	"github.com/intelligencedev/memoryd/internal/tiers/l3"
	"github.com/intelligencedev/memoryd/internal/tiers/l4"
	"github.com/intelligencedev/memoryd/internal/variant"
	"github.com/intelligencedev/memoryd/internal/vectorstore"
	"github.com/intelligencedev/memoryd/internal/wall"
	"github.com/intelligencedev/memoryd/internal/watchdog"
)

func main() {
	agentType := flag.String("agent-type", "memory", "agent variant: memory, rag, or full_context")
	port := flag.String("port", "", "HTTP port (overrides PORT env/config)")
	model := flag.String("model", "", "model name override for the LLM provider chain")
	flag.Parse()

	if err := run(*agentType, *port, *model); err != nil {
		log.Fatal().Err(err).Msg("memoryd")
	}
}

func run(agentType, portFlag, modelFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	port := cfg.Port
	if portFlag != "" {
		port = portFlag
	}

	baseCtx := context.Background()
	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	vectors, err := vectorstore.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions, cfg.Qdrant.Metric)
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	defer vectors.Close()

	graph, err := graphstore.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("bootstrap graphstore: %w", err)
	}

	scriptMgr := scripts.NewManager(rdb)
	if err := scriptMgr.Load(ctx); err != nil {
		return fmt.Errorf("load lua scripts: %w", err)
	}

	l1Tier := l1.New(rdb, scriptMgr, cfg.WindowSize, time.Duration(cfg.TTLHours)*time.Hour)
	l2Tier, err := l2.New(ctx, pool, rdb)
	if err != nil {
		return fmt.Errorf("bootstrap l2: %w", err)
	}
	l3Tier := l3.New(vectors, graph, rdb)
	l4Tier, err := l4.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("bootstrap l4: %w", err)
	}

	chain, err := providers.Build(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider chain: %w", err)
	}

	publisher := eventbus.NewPublisher(rdb)
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = publisher.WithKafkaFanOut(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer publisher.Close()

	promoter := promotion.New(scriptMgr, l2Tier, chain, publisher, rdb, cfg.PromotionThreshold, cfg.BatchMinTurns)
	consolidator := consolidation.New(l2Tier, l3Tier, chain, chain.Embedder(), publisher, cfg.ConsolidationMinFacts)
	distiller := distillation.New(l3Tier, l4Tier, chain, publisher, cfg.DistillationMinEpisodes)

	assembler := contextblock.New(l1Tier, l2Tier, l3Tier, l4Tier)

	agent, err := buildAgent(agentType, cfg, modelFlag, assembler, chain, vectors, l1Tier, promoter)
	if err != nil {
		return err
	}

	wd := watchdog.New(time.Duration(cfg.StuckTimeoutMinutes)*time.Minute, "", func(a watchdog.Artifact) {
		log.Fatal().Interface("artifact", a).Msg("stuck-run watchdog fired")
	})
	go wd.Run(ctx, time.Minute, map[string]any{"agent_type": agentType})
	defer wd.Stop()

	server := wall.New(agent, wall.Tiers{L1: l1Tier, L2: l2Tier, L3: l3Tier, L4: l4Tier}, rdb, publisher, cfg.RateLimitRPS, cfg.RateLimitBurst, wd)

	consumer := eventbus.NewConsumer(rdb, "memoryd-sweep", "memoryd-"+agentType, 5*time.Second, 16)
	registerLifecycleHandlers(consumer, l2Tier, l3Tier, consolidator, distiller, chain.Embedder(), cfg)
	if err := consumer.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize lifecycle consumer group: %w", err)
	}
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("lifecycle consumer stopped unexpectedly")
		}
	}()

	go runRescoreSweep(ctx, l2Tier, server, cfg.ConsolidationSweep)

	httpSrv := &http.Server{Addr: ":" + port, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Str("agent_type", agentType).Msg("memoryd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("memoryd stopped cleanly")
	return nil
}

// buildAgent constructs the one agent variant this process serves, per
// --agent-type (spec.md §4.12: a closed set of three policies sharing the
// same tiers and LLM client).
func buildAgent(
	agentType string,
	cfg config.Config,
	model string,
	assembler *contextblock.Assembler,
	chain *providers.Chain,
	vectors storage.VectorIndex,
	l1Tier *l1.Tier,
	promoter *promotion.Engine,
) (variant.Variant, error) {
	switch variant.Kind(agentType) {
	case variant.KindMemory:
		return variant.NewMemoryAgent(l1Tier, assembler, chain, chain.Embedder(), promoter, model,
			cfg.MinCIAR, cfg.MaxTurns, cfg.MaxFacts, 0, cfg.BatchMinTurns), nil
	case variant.KindRAG:
		return variant.NewRAGAgent(vectors, chain.Embedder(), chain, model, 0), nil
	case variant.KindFullContext:
		return variant.NewFullContextAgent(assembler, chain, model, 0, cfg.MaxTurns, cfg.MaxFacts, cfg.MinCIAR), nil
	default:
		return nil, fmt.Errorf("unsupported agent type: %s", agentType)
	}
}

// registerLifecycleHandlers wires the background consolidation and
// distillation passes to the events that make them eligible to run, rather
// than polling every known session on a blind ticker: a promoted fact makes
// its session eligible for consolidation once enough facts have
// accumulated, and a freshly consolidated episode makes its session
// eligible for distillation once enough similar episodes cluster together.
func registerLifecycleHandlers(consumer *eventbus.Consumer, l2Tier *l2.Tier, l3Tier *l3.Tier, consolidator *consolidation.Engine, distiller *distillation.Engine, embedder llm.Embedder, cfg config.Config) {
	consumer.On(eventbus.EventFactPromoted, func(ctx context.Context, event eventbus.Event) error {
		n, err := l2Tier.CountBySession(ctx, event.SessionID)
		if err != nil {
			return err
		}
		if n < cfg.ConsolidationMinFacts {
			return nil
		}
		if _, err := consolidator.Run(ctx, event.SessionID); err != nil {
			return err
		}
		return nil
	})

	consumer.On(eventbus.EventConsolidation, func(ctx context.Context, event eventbus.Event) error {
		episodeID, _ := event.Data["episode_id"].(string)
		if episodeID == "" {
			return nil
		}
		episode, ok, err := l3Tier.Retrieve(ctx, episodeID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		seedVector, err := distillationSeedVector(ctx, embedder, episode.Summary)
		if err != nil || len(seedVector) == 0 {
			return err
		}
		_, err = distiller.Run(ctx, seedVector, event.SessionID)
		return err
	})
}

// distillationSeedVector re-embeds an episode's summary to recover a query
// vector for the distillation engine's similarity search: l3.Retrieve
// intentionally does not return the stored embedding (the vector index is
// its source of truth), so distillation re-derives one from the text it
// already has.
func distillationSeedVector(ctx context.Context, embedder llm.Embedder, summary string) ([]float32, error) {
	if embedder == nil || summary == "" {
		return nil, nil
	}
	vecs, err := embedder.Embed(ctx, []string{summary}, "")
	if err != nil || len(vecs) == 0 {
		return nil, err
	}
	return vecs[0], nil
}

// runRescoreSweep periodically recomputes ciar_score for every L2 fact in
// every session the wall currently tracks, applying age_decay against the
// present moment rather than the fact's extraction time (spec.md §4.2:
// age_decay is a function of elapsed time, so a score computed once at
// extraction goes stale without a periodic sweep).
func runRescoreSweep(ctx context.Context, l2Tier *l2.Tier, server *wall.Server, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			for _, sessionID := range server.TrackedSessions() {
				if _, err := l2Tier.RescoreAge(ctx, sessionID, now); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("rescore sweep failed")
				}
			}
		}
	}
}
