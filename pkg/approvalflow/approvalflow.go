// Package approvalflow boots the approval engine from the AFLOW_* system
// settings: database, migrations, request locks, lifecycle events and the
// background sweeps.
package approvalflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/lmittmann/tint"
	redis "github.com/redis/go-redis/v9"

	"github.com/RealZimboGuy/approvalflow/internal/config"
	"github.com/RealZimboGuy/approvalflow/internal/engine"
	"github.com/RealZimboGuy/approvalflow/internal/events"
	"github.com/RealZimboGuy/approvalflow/internal/locking"
	"github.com/RealZimboGuy/approvalflow/internal/repository"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
)

// AnyOperation registers a callback factory for every operation type that
// has no factory of its own.
const AnyOperation = engine.AnyOperation

// Event topics published on the engine's bus.
const (
	TopicRequestCreated     = events.TopicRequestCreated
	TopicStepAdvanced       = events.TopicStepAdvanced
	TopicRequestCompleted   = events.TopicRequestCompleted
	TopicCallbackDispatched = events.TopicCallbackDispatched
)

type RequestEvent = events.RequestEvent

type Options struct {
	// Directory expands GROUP principals. Nil means no groups are known.
	Directory core.Directory
	// Callbacks rebuilds the guarded operation of requests whose submitting
	// process is gone, keyed by operation type or AnyOperation.
	Callbacks map[string]core.CallbackFactory
	Clock     core.Clock
	// DeferDispatch leaves terminal callbacks to a serving engine, for
	// short lived processes such as admin commands.
	DeferDispatch bool
}

// Engine is a configured Coordinator with the resources it owns.
type Engine struct {
	*engine.Coordinator

	db    *sql.DB
	redis redis.UniversalClient
	bus   *gochannel.GoChannel
}

// New opens and migrates the configured database and builds the engine. The
// background sweeps only run once Start is called.
func New(ctx context.Context, opts Options) (*Engine, error) {
	db, err := repository.Open()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &Engine{db: db, bus: events.NewGoChannel(slog.Default())}
	locker, err := e.newLocker(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	settings := engine.SettingsFromConfig()
	settings.DeferDispatch = opts.DeferDispatch
	e.Coordinator = engine.NewCoordinator(engine.Dependencies{
		Definitions:  repository.NewDefinitionRepository(db),
		Associations: repository.NewAssociationRepository(db),
		Requests:     repository.NewRequestRepository(db),
		Actions:      repository.NewRequestActionRepository(db),
		Executors:    repository.NewExecutorRepository(db),
		Locker:       locker,
		Directory:    opts.Directory,
		Publisher:    events.NewWatermillPublisher(e.bus),
		Clock:        opts.Clock,
		Callbacks:    opts.Callbacks,
	}, settings)
	return e, nil
}

func (e *Engine) newLocker(ctx context.Context) (locking.Locker, error) {
	switch backend := config.GetSystemSettingString(config.LOCK_BACKEND); strings.ToUpper(backend) {
	case "", config.LOCK_BACKEND_LOCAL:
		return locking.NewLocalLocker(), nil
	case config.LOCK_BACKEND_REDIS:
		addr := config.GetSystemSettingString(config.LOCK_REDIS_ADDR)
		if addr == "" {
			return nil, errors.New("AFLOW_LOCK_REDIS_ADDR must be set when using the REDIS lock backend")
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", addr, err)
		}
		e.redis = client
		slog.Info("Using Redis request locks", "addr", addr)
		return locking.NewRedisLocker(client, config.GetSystemSettingDuration(config.LOCK_TTL)), nil
	default:
		return nil, fmt.Errorf("AFLOW_LOCK_BACKEND must be one of LOCAL, REDIS, got %q", backend)
	}
}

// Start runs the recovery, dispatch and retention sweeps. It blocks until
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	return e.StartEngine(ctx)
}

// Subscribe streams lifecycle events of one topic. Messages carry a JSON
// encoded RequestEvent and must be acked.
func (e *Engine) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return e.bus.Subscribe(ctx, topic)
}

// Close waits for in-flight callbacks and releases the engine's resources.
func (e *Engine) Close() error {
	if e.Coordinator != nil {
		e.Wait()
	}
	var errs []error
	if e.bus != nil {
		errs = append(errs, e.bus.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	return errors.Join(errs...)
}

// Migrate applies the schema of the configured database and exits.
func Migrate() error {
	return repository.Migrate()
}

// SetupLogger installs a tint handler at the AFLOW_LOG_LEVEL level.
func SetupLogger() {
	level := slog.LevelInfo
	if raw := config.GetSystemSettingString(config.LOG_LEVEL); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = slog.LevelInfo
		}
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
