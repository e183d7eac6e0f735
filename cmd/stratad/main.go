package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"strata/internal/config"
	"strata/internal/gateway/binance"
	"strata/internal/gateway/csvdir"
	"strata/internal/gateway/database"
	"strata/internal/live"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/replay"
	"strata/internal/store"
	"strata/internal/structure"
	profileapi "strata/internal/transport/http/profile"
)

func main() {
	var (
		cfgPath string
		envPath string
	)
	flag.StringVar(&cfgPath, "config", "", "TOML 配置文件路径，留空使用内置默认值")
	flag.StringVar(&envPath, "env", ".env", ".env 文件路径")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil {
		fmt.Printf("未加载 .env（%v），直接使用进程环境变量\n", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := buildSource(cfg.Source)
	if err != nil {
		logger.Errorf("[stratad] 行情源初始化失败: %v", err)
		os.Exit(1)
	}
	defer src.Close()

	klines, closeKlines, err := buildKlineStore(ctx, cfg.Redis)
	if err != nil {
		logger.Errorf("[stratad] K线存储初始化失败: %v", err)
		os.Exit(1)
	}
	defer closeKlines()

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Errorf("[stratad] 数据库初始化失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	profiles := config.NewProfileStore(cfg.Profiles)
	resolve := func(symbol string) (structure.Params, error) {
		return profiles.ResolveParams(symbol, cfg.Detector)
	}

	svc, err := replay.NewService(replay.ServiceParams{
		Source:  src,
		Klines:  klines,
		DB:      db,
		Resolve: resolve,
		Options: replay.Options{
			MaxJobs:     cfg.Replay.MaxJobs,
			EventBuffer: cfg.Replay.EventBuffer,
			KlineWindow: cfg.Replay.KlineWindow,
		},
	})
	if err != nil {
		logger.Errorf("[stratad] 回放服务初始化失败: %v", err)
		os.Exit(1)
	}
	defer svc.Close()

	var engine *live.Engine
	if cfg.Live.Enabled {
		engine, err = live.NewEngine(live.EngineParams{
			Source:   src,
			Klines:   klines,
			DB:       db,
			Hub:      svc.Hub(),
			Resolve:  resolve,
			Symbols:  cfg.Source.Symbols,
			Interval: cfg.Source.Interval,
			Options: live.Options{
				HistoryLimit:  cfg.Source.HistoryLimit,
				SnapshotEvery: cfg.Live.SnapshotEvery,
				KlineWindow:   cfg.Replay.KlineWindow,
			},
		})
		if err != nil {
			logger.Errorf("[stratad] 实时引擎初始化失败: %v", err)
			os.Exit(1)
		}
	}

	httpCfg := replay.HTTPConfig{
		Addr:     cfg.Server.Addr,
		Svc:      svc,
		Profiles: profileapi.NewRouter(profiles, cfg.Detector),
	}
	if engine != nil {
		httpCfg.LiveStatus = func() interface{} { return engine.Status() }
	}
	httpSrv, err := replay.NewHTTPServer(httpCfg)
	if err != nil {
		logger.Errorf("[stratad] HTTP 服务初始化失败: %v", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	if engine != nil {
		g.Go(func() error { return engine.Run(gctx) })
	}
	logger.Infof("[stratad] 启动完成 addr=%s provider=%s symbols=%v interval=%s live=%v",
		cfg.Server.Addr, cfg.Source.Provider, cfg.Source.Symbols, cfg.Source.Interval, cfg.Live.Enabled)

	if err := g.Wait(); err != nil {
		logger.Errorf("[stratad] 异常退出: %v", err)
		os.Exit(1)
	}
	logger.Infof("[stratad] 已退出")
}

func buildSource(cfg config.SourceConfig) (market.Source, error) {
	switch strings.ToLower(cfg.Provider) {
	case "csv":
		return csvdir.New(cfg.CSVDir)
	default:
		return binance.New(binance.Config{
			APIKey:      cfg.APIKey,
			APISecret:   cfg.APISecret,
			UseFutures:  cfg.UseFutures,
			HTTPTimeout: cfg.Timeout(),
		})
	}
}

func buildKlineStore(ctx context.Context, cfg config.RedisConfig) (store.KlineStore, func(), error) {
	if !cfg.Enabled {
		return store.NewMemoryKlineStore(), func() {}, nil
	}
	opt := store.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
		TTL:      cfg.TTL(),
	}
	client, err := store.DialRedis(ctx, opt)
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedisKlineStore(client, opt), func() { _ = client.Close() }, nil
}
