package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chainpass/wcsap/adapters/events"
	"github.com/chainpass/wcsap/adapters/store"
	"github.com/chainpass/wcsap/adapters/tokenizer"
	"github.com/chainpass/wcsap/audit"
	"github.com/chainpass/wcsap/dpop"
	"github.com/chainpass/wcsap/ports"
	"github.com/chainpass/wcsap/ratelimit"
	"github.com/chainpass/wcsap/risk"
	"github.com/chainpass/wcsap/service"
	transporthttp "github.com/chainpass/wcsap/transport/http"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	signKey, err := loadSigningKey()
	if err != nil {
		logger.Fatal("loading signing key", zap.Error(err))
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Fatal("parsing redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(opts)

	clock := ports.SystemClock{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	backingStore, err := store.NewRedisStore(ctx, redisClient, clock)
	cancel()
	if err != nil {
		logger.Fatal("initializing redis store", zap.Error(err))
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: redisClient},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		logger.Fatal("creating audit publisher", zap.Error(err))
	}

	auditor := audit.NewDispatcher(
		audit.DefaultDispatcherConfig(),
		logger,
		events.NewWatermillSink(publisher),
	)
	defer auditor.Close()

	cfg := service.DefaultConfig()
	cfg.RequireProofOfWork = os.Getenv("WCSAP_REQUIRE_POW") == "true"

	var powGate *ratelimit.PoWGate
	if cfg.RequireProofOfWork {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal("generating pow secret", zap.Error(err))
		}
		powGate, err = ratelimit.NewPoWGate(ratelimit.DefaultPoWConfig(), secret, backingStore, clock)
		if err != nil {
			logger.Fatal("creating pow gate", zap.Error(err))
		}
	}

	tok := tokenizer.NewJWTTokenizer(signKey)
	challenges := service.NewChallengeService(backingStore, clock, logger, cfg)
	sessions := service.NewSessionService(backingStore, tok, clock, logger, cfg)
	auth := service.NewAuthService(
		challenges,
		sessions,
		ratelimit.NewLimiter(ratelimit.DefaultConfig(), backingStore),
		powGate,
		risk.NewEngine(risk.DefaultConfig()),
		backingStore,
		backingStore,
		auditor,
		clock,
		logger,
		cfg,
	)

	jtiCache := dpop.NewMemoryJTICache(5*time.Minute, 100_000)
	defer func() { _ = jtiCache.Close() }()
	binder := dpop.NewBinder(dpop.DefaultConfig(), jtiCache, clock)

	router := transporthttp.SetupRouter(auth, binder, logger)

	addr := os.Getenv("WCSAP_LISTEN")
	if addr == "" {
		addr = ":9000"
	}
	logger.Info("listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// loadSigningKey reads the PEM-encoded ECDSA key from WCSAP_SIGNING_KEY_FILE.
// Without one a fresh key is generated, which invalidates outstanding access
// tokens on restart.
func loadSigningKey() (*ecdsa.PrivateKey, error) {
	path := os.Getenv("WCSAP_SIGNING_KEY_FILE")
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in signing key file")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
