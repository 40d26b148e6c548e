package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/syncstore"
	"github.com/unkn0wn-root/syncstore/codec"
	"github.com/unkn0wn-root/syncstore/credentials"
	credredis "github.com/unkn0wn-root/syncstore/credentials/redis"
	"github.com/unkn0wn-root/syncstore/genstore"
	zaplog "github.com/unkn0wn-root/syncstore/log/zap"
	pr "github.com/unkn0wn-root/syncstore/provider"
	"github.com/unkn0wn-root/syncstore/provider/bigcache"
	"github.com/unkn0wn-root/syncstore/provider/memory"
	"github.com/unkn0wn-root/syncstore/provider/redis"
	"github.com/unkn0wn-root/syncstore/provider/ristretto"
	"github.com/unkn0wn-root/syncstore/resolve"
	"github.com/unkn0wn-root/syncstore/transport"
)

// app is everything a command needs, built once from Config.
type app struct {
	cfg    Config
	out    io.Writer
	zl     *zap.Logger
	client *transport.Client
	store  syncstore.Syncer
	rdb    goredis.UniversalClient
}

func newApp(ctx context.Context, cfg Config, out io.Writer) (*app, error) {
	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, out: out, zl: zl}
	logger := zaplog.ZapLogger{L: zl}

	if cfg.usesRedis() {
		a.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	}

	creds, err := a.credentialStore()
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	a.client = transport.New(transport.Config{
		HTTPClient:    &http.Client{Timeout: cfg.HTTPTimeout},
		Credentials:   creds,
		TokenURL:      base + cfg.TokenPath,
		RefreshURL:    base + cfg.RefreshPath,
		Logger:        logger,
		RefreshLeeway: cfg.RefreshLeeway,
	})

	res, err := resolve.Default(base)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	provider, gens, err := a.backing(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	inner, err := codec.ByName[syncstore.Record](cfg.Codec)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.store, err = syncstore.New(syncstore.Options{
		Transport: a.client,
		Resolver:  res,
		Namespace: cfg.Namespace,
		Provider:  provider,
		Codec:     codec.LimitCodec[syncstore.Record]{Inner: inner, MaxDecode: cfg.MaxRecordBytes},
		GenStore:  gens,
		Logger:    logger,
		Freshness: cfg.Freshness,
		Retention: cfg.Retention,
		Inflight:  cfg.Inflight,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) credentialStore() (credentials.Store, error) {
	if a.cfg.Credentials == "redis" {
		return credredis.New(credredis.Config{Client: a.rdb, Key: "syncctl:credentials"})
	}
	return credentials.NewFile(a.cfg.CredentialsFile), nil
}

// backing picks the record provider. Only a shared provider gets a shared
// generation store; nil selects the in-process default.
func (a *app) backing(ctx context.Context) (pr.Provider, genstore.GenStore, error) {
	switch a.cfg.Cache {
	case "ristretto":
		p, err := ristretto.New(ristretto.Config{NumCounters: 100_000, MaxCost: 64 << 20, BufferItems: 64})
		return p, nil, err
	case "bigcache":
		p, err := bigcache.New(ctx, bigcache.Config{LifeWindow: a.cfg.Retention, HardMaxCacheSizeMB: 64})
		return p, nil, err
	case "redis":
		p, err := redis.New(redis.Config{Client: a.rdb})
		if err != nil {
			return nil, nil, err
		}
		return p, genstore.NewRedisGenStore(a.rdb, a.cfg.Namespace, a.cfg.Retention), nil
	default:
		return memory.New(), nil, nil
	}
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close(ctx))
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.zl.Warn("shutdown", zap.Error(err))
	}
	_ = a.zl.Sync()
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("SYNCCTL_LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
