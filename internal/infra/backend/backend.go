// Package backend assembles the configured storage, change feed and
// directory into one gateway.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"estatepro/internal/app/policies"
	"estatepro/internal/infra/broker/kafka"
	natsfeed "estatepro/internal/infra/broker/nats"
	"estatepro/internal/infra/config"
	mongodb "estatepro/internal/infra/db/mongo"
	"estatepro/internal/infra/db/postgres"
	"estatepro/internal/infra/storage/memory"
	"estatepro/internal/infra/storage/s3"
	"estatepro/internal/infra/storage/scylla"
)

// gateway composes the ports so storage and feed can come from different
// systems.
type gateway struct {
	policies.ConversationRepository
	policies.MessageRepository
	policies.Directory
	policies.ChangeFeed
}

// Backend is an opened gateway plus the resources behind it.
type Backend struct {
	Gateway policies.Gateway
	checks  []func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// Ready reports the first failing dependency.
func (b *Backend) Ready(ctx context.Context) error {
	for _, check := range b.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (b *Backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

type store interface {
	policies.ConversationRepository
	policies.MessageRepository
	policies.Directory
}

// memoryStore pairs the repository with an empty directory; openDirectory
// replaces the directory with a seeded one.
type memoryStore struct {
	*memory.Repository
	*memory.Directory
}

// Open connects everything cfg selects. On error, whatever was opened is
// closed again.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Backend, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}
	defer func() {
		if err != nil {
			_ = b.Close(context.WithoutCancel(ctx))
		}
	}()

	var (
		feed      policies.ChangeFeed
		publisher policies.ChangePublisher
	)
	switch cfg.Feed {
	case config.BackendMemory:
		f := memory.NewFeed(0)
		feed, publisher = f, f
	case config.FeedNATS:
		nc, err := natsfeed.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { nc.Close(); return nil })
		b.checks = append(b.checks, func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})
		f := natsfeed.NewFeed(nc, cfg.NATSSubjectPrefix, logger)
		feed, publisher = f, f
	case config.FeedKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) error { return producer.Close() })
		f := kafka.NewFeed(producer, kafka.BrokerGroups(cfg.KafkaBrokers), kafka.FeedOptions{
			TopicPrefix: cfg.KafkaTopicPrefix,
			GroupPrefix: cfg.KafkaGroupPrefix,
			Logger:      logger,
		})
		feed, publisher = f, f
	}

	var st store
	switch cfg.Backend {
	case config.BackendMemory:
		var opts []memory.Option
		if publisher != nil {
			opts = append(opts, memory.WithPublisher(publisher))
		}
		st = memoryStore{
			Repository: memory.NewRepository(append(opts, memory.WithLogger(logger))...),
			Directory:  memory.NewDirectory(),
		}
	case config.BackendMongo:
		client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.checks = append(b.checks, client.Ping)
		opts := []mongodb.Option{mongodb.WithLogger(logger)}
		if publisher != nil {
			opts = append(opts, mongodb.WithPublisher(publisher))
		}
		s := mongodb.NewChatStore(client.DB, opts...)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		if cfg.Feed == config.BackendMongo {
			feed = mongodb.NewChangeStreamFeed(client.DB, logger)
		}
		st = s
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) error { pool.Close(); return nil })
		b.checks = append(b.checks, func(ctx context.Context) error { return postgres.Ping(ctx, pool, cfg.CallTimeout) })
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		opts := []postgres.Option{postgres.WithLogger(logger)}
		if publisher != nil {
			opts = append(opts, postgres.WithPublisher(publisher))
		}
		s := postgres.NewChatStore(pool, opts...)
		if cfg.Feed == config.BackendPostgres {
			feed = postgres.NewListenFeed(pool, s, logger)
		}
		st = s
	case config.BackendScylla:
		session, err := scylla.NewSession(cfg, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { session.Close(); return nil })
		b.checks = append(b.checks, func(ctx context.Context) error {
			return session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		})
		st = scylla.NewStore(session, publisher, logger)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	if feed == nil {
		return nil, fmt.Errorf("no change feed for CHAT_FEED=%s", cfg.Feed)
	}

	directory, err := openDirectory(cfg, st, logger)
	if err != nil {
		return nil, err
	}
	b.Gateway = gateway{
		ConversationRepository: st,
		MessageRepository:      st,
		Directory:              directory,
		ChangeFeed:             feed,
	}
	logger.Info("chat backend opened", "backend", cfg.Backend, "feed", cfg.Feed, "directory", cfg.Directory)
	return b, nil
}

// openDirectory picks the profile/listing source. The memory directory is
// seeded from fixtures; s3 decorates whichever base the backend offers.
func openDirectory(cfg config.Config, st store, logger *slog.Logger) (policies.Directory, error) {
	var base policies.Directory = st
	if cfg.Directory == config.BackendMemory || cfg.Backend == config.BackendMemory {
		dir := memory.NewDirectory()
		path := cfg.Fixtures
		if path == "" {
			path = memory.DefaultFixturesPath()
		}
		if err := dir.LoadFixtures(path, logger); err != nil {
			return nil, err
		}
		base = dir
	}
	if cfg.Directory != config.DirectoryS3 {
		return base, nil
	}
	client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey)
	if err != nil {
		return nil, err
	}
	return s3.NewThumbnailDirectory(base, client, cfg.S3Bucket, cfg.S3PresignTTL, logger)
}

var _ policies.Gateway = gateway{}
