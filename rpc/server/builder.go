package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/auth"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/session"
	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/ValentinKolb/dSync/lib/storage/bstore"
	"github.com/ValentinKolb/dSync/lib/storage/mstore"
	"github.com/ValentinKolb/dSync/lib/storage/pstore"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport/ws"
)

// Open creates a complete sync server from config: the storage backend, the
// optional Redis relay, the authenticator, the session registry and the
// WebSocket transport.
func Open(ctx context.Context, config common.ServerConfig) (*SyncServer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return nil, err
	}

	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}

	store, err := OpenStorage(ctx, config)
	if err != nil {
		return nil, err
	}

	var r relay.IRelay
	if config.RedisAddr != "" {
		r, err = relay.DialRedis(ctx, config.RedisAddr, config.RedisPassword, config.RedisDB, config.RedisPrefix)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("relay: %w", err)
		}
	}

	var authenticator auth.IAuthenticator
	if config.JWTSecret != "" {
		authenticator = auth.NewJWTAuthenticator(config.JWTSecret, config.AllowAnonymous)
	} else {
		Logger.Warningf("no jwt secret configured, every client is accepted")
		authenticator = auth.NewAllowAll()
	}

	registry := session.NewRegistry(SessionConfig(config), store, r)

	t := ws.NewServerTransport(ws.Options{
		MaxMessageSize: config.MaxMessageSize,
		SendQueueSize:  config.SendQueueSize,
		TextFrames:     config.Serializer == "json",
		Health:         HealthInfo(registry),
	})

	s := NewSyncServer(config, t, ser, registry, authenticator)
	s.storage = store
	s.relay = r
	return s, nil
}

// HealthInfo reports the loaded sessions on the /health endpoint.
func HealthInfo(registry *session.Registry) func() map[string]any {
	return func() map[string]any {
		return map[string]any{"sessions": registry.Len()}
	}
}

// OpenStorage opens the configured storage backend.
func OpenStorage(ctx context.Context, config common.ServerConfig) (storage.IDocStorage, error) {
	switch config.Storage {
	case common.StorageMemory, "":
		Logger.Warningf("using in-memory storage, documents are lost on restart")
		return mstore.New(), nil
	case common.StorageBadger:
		return bstore.Open(bstore.DefaultConfig(config.DataDir))
	case common.StoragePostgres:
		return pstore.Open(ctx, config.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", config.Storage)
	}
}

// SessionConfig derives the registry configuration from config.
func SessionConfig(config common.ServerConfig) session.Config {
	cfg := session.DefaultConfig()
	if config.GracePeriod > 0 {
		cfg.GracePeriod = config.GracePeriod
	}
	if config.AwarenessTTL > 0 {
		cfg.AwarenessTTL = config.AwarenessTTL
	}
	cfg.FlushInterval = config.FlushInterval
	if config.TimeoutSecond > 0 {
		cfg.StorageTimeout = time.Duration(config.TimeoutSecond) * time.Second
	}
	return cfg
}
