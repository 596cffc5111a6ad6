// Package sentinel wires the authorization engine: credential authority,
// signature quorum and encrypted messaging over a configurable store and
// event backend.
package sentinel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/sentinel/adapters/events"
	"github.com/layer-3/sentinel/adapters/keyvault"
	"github.com/layer-3/sentinel/adapters/store"
	"github.com/layer-3/sentinel/adapters/tokenizer"
	"github.com/layer-3/sentinel/config"
	"github.com/layer-3/sentinel/ports"
	"github.com/layer-3/sentinel/service"
	api "github.com/layer-3/sentinel/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Engine holds the wired services and their HTTP router
type Engine struct {
	Auth     *service.AuthService
	Quorum   *service.QuorumService
	Messages *service.MessageService
	Router   *gin.Engine

	cfg     config.Config
	log     zerolog.Logger
	closers []func() error
}

// New builds an engine from cfg. Close releases the store and event backend.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, log: log}

	st, publisher, err := e.openBackends(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	signKey, err := loadSigningKey(cfg.Auth.SigningKeyPath)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	vault, err := keyvault.New(keyvault.Params{
		Time:    cfg.KeyVault.Time,
		Memory:  cfg.KeyVault.Memory,
		Threads: cfg.KeyVault.Threads,
	})
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	audit := events.Tee(
		events.NewLogSink(log.With().Str("component", "audit").Logger()),
		events.NewAuditPublisher(publisher, cfg.Events.AuditTopic, log),
	)
	ledger := events.NewLedgerPublisher(publisher, cfg.Events.LedgerTopic)

	opts := []service.Option{
		service.WithTokenTTL(cfg.Auth.TokenTTL),
		service.WithTOTP(cfg.Auth.TOTPIssuer, cfg.Auth.TOTPSkew),
		service.WithBcryptCost(cfg.Auth.BcryptCost),
		service.WithExpiry(cfg.Quorum.Expiry),
		service.WithRetry(cfg.Quorum.MaxAttempts, cfg.Quorum.RetryDelay),
		service.WithClaimLease(cfg.Quorum.ClaimLease),
	}

	e.Auth, err = service.NewAuthService(st, vault, tokenizer.NewJWTTokenizer(signKey), audit, log, opts...)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.Quorum = service.NewQuorumService(e.Auth, st, st, vault, ledger, audit, log, opts...)
	e.Messages = service.NewMessageService(e.Auth, st, st, vault, audit, log, opts...)
	e.Router = api.SetupRouter(api.NewHandlers(e.Auth, e.Quorum, e.Messages, log))

	return e, nil
}

// openBackends selects the store and the watermill publisher. Without Redis
// the publisher is an in-process channel and ledger bundles are settled by a
// logging consumer.
func (e *Engine) openBackends(ctx context.Context) (ports.Store, message.Publisher, error) {
	wmLogger := events.NewZerologAdapter(e.log.With().Str("component", "watermill").Logger())

	if e.cfg.Store.Driver == config.DriverRedis {
		opts, err := redis.ParseURL(e.cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		e.closers = append(e.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		e.closers = append(e.closers, publisher.Close)

		return store.NewRedisStore(client), publisher, nil
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
	e.closers = append(e.closers, pubSub.Close)

	settleLog := e.log.With().Str("component", "settlement").Logger()
	if err := events.ConsumeLedger(ctx, pubSub, e.cfg.Events.LedgerTopic, settleLog); err != nil {
		return nil, nil, err
	}

	if e.cfg.Store.Driver == config.DriverSQLite {
		st, err := store.NewSQLiteStore(ctx, e.cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, st.Close)
		return st, pubSub, nil
	}

	return store.NewMemoryStore(), pubSub, nil
}

func loadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

// Run serves HTTP until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	srv := &http.Server{Addr: e.cfg.HTTP.Addr, Handler: e.Router}

	errc := make(chan error, 1)
	go func() {
		e.log.Info().Str("addr", srv.Addr).Str("store", e.cfg.Store.Driver).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases backends in reverse order of acquisition
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
