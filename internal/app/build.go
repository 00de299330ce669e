package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/ent0n29/traitscout/internal/analysis"
	"github.com/ent0n29/traitscout/internal/config"
	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/coordinator"
	"github.com/ent0n29/traitscout/internal/discord"
	"github.com/ent0n29/traitscout/internal/docstore"
	"github.com/ent0n29/traitscout/internal/events"
	"github.com/ent0n29/traitscout/internal/httpapi"
	"github.com/ent0n29/traitscout/internal/observability"
	"github.com/ent0n29/traitscout/internal/session"
	"github.com/ent0n29/traitscout/internal/traits"
)

type OracleInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Coordinator   *coordinator.Coordinator
	Sessions      *session.Tracker
	Conversations *conversation.Store
	Registry      *traits.Registry
	Hub           *events.Hub
	Bot           *discord.Bot
	Metrics       *observability.Metrics
	Oracle        OracleInfo

	// Cleanup should be called after the coordinator is closed to release the
	// document store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	labels := cfg.TraitLabels
	if len(labels) == 0 {
		labels = traits.DefaultLabels
	}
	taxonomy, err := traits.NewTaxonomy(labels)
	if err != nil {
		return nil, fmt.Errorf("trait taxonomy: %w", err)
	}
	definitions, err := traits.LoadDefinitions(cfg.TraitDefinitionsFile, taxonomy)
	if err != nil {
		return nil, err
	}
	policy, err := traits.ParsePolicy(cfg.TraitPolicy)
	if err != nil {
		return nil, err
	}

	docs, err := docstore.NewStore(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("document store init failed: %w", err)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = docs.Close()
		return nil, err
	}

	persistHook := func(name string, err error) {
		metrics.IncPersistError(name)
	}
	sessions := session.NewTracker(cfg.TurnThreshold, cfg.MaxActiveParticipants, docs, logger)
	sessions.SetPersistErrorHook(persistHook)
	conversations := conversation.NewStore(docs, logger)
	conversations.SetPersistErrorHook(persistHook)
	registry := traits.NewRegistry(taxonomy, policy, docs, logger)
	registry.SetPersistErrorHook(persistHook)

	if err := sessions.Load(ctx); err != nil {
		return fail(err)
	}
	if err := conversations.Load(ctx); err != nil {
		return fail(err)
	}
	if err := registry.Load(ctx); err != nil {
		return fail(err)
	}

	setup, err := resolveOracle(cfg)
	if err != nil {
		return fail(err)
	}
	// Handlers report the backend actually in use.
	cfg.OracleMode = setup.resolvedMode

	hub := events.NewHub(0)
	hub.SetDropHook(metrics.IncEventsDropped)

	locks := coordinator.NewKeyedMutex()
	pipeline, err := analysis.New(analysis.Config{
		Oracle:        setup.client,
		Conversations: conversations,
		Sessions:      sessions,
		Registry:      registry,
		Taxonomy:      taxonomy,
		Definitions:   definitions,
		OracleTimeout: cfg.OracleTimeout,
		RedactPII:     cfg.OracleRedactPII,
		Guard:         locks.Lock,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}

	var (
		bot  *discord.Bot
		sink events.Sink = hub
	)
	// The bot needs the coordinator and the coordinator's sink needs the bot,
	// so the sink forwards through a late-bound pointer.
	relay := &botRelay{}
	if cfg.DiscordEnabled() {
		sink = events.Multi(hub, relay)
	}

	coord, err := coordinator.New(coordinator.Config{
		Sessions:              sessions,
		Conversations:         conversations,
		Pipeline:              pipeline,
		Locks:                 locks,
		MaxConcurrentAnalyses: cfg.AnalysisConcurrency,
		Events:                sink,
		Metrics:               metrics,
		Logger:                logger,
	})
	if err != nil {
		return fail(err)
	}

	if cfg.DiscordEnabled() {
		bot, err = discord.NewBot(discord.Config{
			Token:            cfg.DiscordBotToken,
			WelcomeChannelID: cfg.DiscordWelcomeChannelID,
			GuildID:          cfg.DiscordGuildID,
			ResponderModel:   cfg.ResponderModel,
			ResponderTimeout: cfg.ResponderTimeout,
		}, discord.Deps{
			Coordinator: coord,
			Transcripts: conversations,
			Responder:   setup.client,
			Registry:    registry,
			Definitions: definitions,
			Metrics:     metrics,
		}, logger)
		if err != nil {
			return fail(err)
		}
		relay.bot = bot
	}

	api := httpapi.New(cfg, httpapi.Dependencies{
		Coordinator:   coord,
		Sessions:      sessions,
		Conversations: conversations,
		Registry:      registry,
		Definitions:   definitions,
		Hub:           hub,
		Metrics:       metrics,
	})

	cleanup := func() error {
		var errs []string
		if bot != nil {
			if err := bot.Stop(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := docs.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Coordinator:   coord,
		Sessions:      sessions,
		Conversations: conversations,
		Registry:      registry,
		Hub:           hub,
		Bot:           bot,
		Metrics:       metrics,
		Oracle: OracleInfo{
			Mode:   setup.resolvedMode,
			Detail: setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

type botRelay struct {
	bot *discord.Bot
}

func (r *botRelay) Publish(e events.Event) {
	if r.bot != nil {
		r.bot.Publish(e)
	}
}
