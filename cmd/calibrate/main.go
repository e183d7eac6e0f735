package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"strata/internal/chart"
	"strata/internal/config"
	"strata/internal/gateway/csvdir"
	"strata/internal/gateway/database"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/replay"
	"strata/internal/report"
	"strata/internal/structure"
)

// result 单个符号的标定产物。
type result struct {
	symbol    string
	text      string
	chartPath string
	err       error
}

func main() {
	var (
		cfgPath    string
		envPath    string
		dir        string
		symbolsCSV string
		interval   string
		limit      int
		drawChart  bool
		drawPNG    bool
		save       bool
		verify     bool
		parallel   int
	)
	flag.StringVar(&cfgPath, "config", "", "TOML 配置文件路径，留空使用内置默认值")
	flag.StringVar(&envPath, "env", ".env", ".env 文件路径")
	flag.StringVar(&dir, "dir", "", "K线 CSV 目录，缺省取 source.csv_dir")
	flag.StringVar(&symbolsCSV, "symbols", "", "逗号分隔的符号列表，缺省取 source.symbols")
	flag.StringVar(&interval, "interval", "", "K线周期，缺省取 source.interval")
	flag.IntVar(&limit, "limit", 0, "只取文件末尾 N 根；0 表示全量")
	flag.BoolVar(&drawChart, "chart", false, "输出结构图表 HTML")
	flag.BoolVar(&drawPNG, "png", false, "图表另存 PNG（需要本机 Chrome，隐含 -chart）")
	flag.BoolVar(&save, "save", true, "把事件与快照写入配置的数据库")
	flag.BoolVar(&verify, "verify", false, "附带快照续跑一致性校验")
	flag.IntVar(&parallel, "parallel", 4, "并行标定的符号数")
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

	if dir == "" {
		dir = cfg.Source.CSVDir
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "缺少 CSV 目录：用 -dir 指定或在配置里写 source.csv_dir")
		os.Exit(1)
	}
	symbols := cfg.Source.Symbols
	if symbolsCSV != "" {
		symbols = strings.Split(symbolsCSV, ",")
	}
	if interval == "" {
		interval = cfg.Source.Interval
	}
	if drawPNG {
		drawChart = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := csvdir.New(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开 CSV 目录失败: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	var db *database.Store
	if save {
		db, err = database.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "打开数据库失败: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	profiles := config.NewProfileStore(cfg.Profiles)
	var renderer *chart.Renderer
	if drawChart {
		renderer = chart.NewRenderer(chart.Options{
			OutDir: cfg.Chart.OutDir,
			Width:  cfg.Chart.Width,
			Height: cfg.Chart.Height,
		})
	}

	run := calibrator{
		cfg:      cfg,
		src:      src,
		db:       db,
		profiles: profiles,
		renderer: renderer,
		interval: strings.ToLower(strings.TrimSpace(interval)),
		limit:    limit,
		png:      drawPNG || cfg.Chart.RenderPNG && drawChart,
		verify:   verify,
	}

	results := make([]result, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	if parallel < 1 {
		parallel = 1
	}
	g.SetLimit(parallel)
	for i, sym := range symbols {
		i, sym := i, strings.ToUpper(strings.TrimSpace(sym))
		g.Go(func() error {
			results[i] = run.one(gctx, sym)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s 标定失败: %v\n", res.symbol, res.err)
			continue
		}
		fmt.Println(res.text)
		if res.chartPath != "" {
			fmt.Printf("图表: %s\n", res.chartPath)
		}
		fmt.Println()
	}
	if failed > 0 {
		os.Exit(1)
	}
}

type calibrator struct {
	cfg      config.Config
	src      market.Source
	db       *database.Store
	profiles *config.ProfileStore
	renderer *chart.Renderer
	interval string
	limit    int
	png      bool
	verify   bool
}

// one 跑完一个符号的完整标定：检测、落库、报表、图表。
func (c calibrator) one(ctx context.Context, symbol string) result {
	res := result{symbol: symbol}

	var bars []market.Candle
	var err error
	if c.limit > 0 {
		bars, err = c.src.FetchHistory(ctx, symbol, c.interval, c.limit)
	} else {
		bars, err = c.src.FetchRange(ctx, symbol, c.interval, 1, math.MaxInt64)
	}
	if err != nil {
		res.err = err
		return res
	}
	if len(bars) == 0 {
		res.err = fmt.Errorf("没有可用的K线")
		return res
	}

	params, err := c.profiles.ResolveParams(symbol, c.cfg.Detector)
	if err != nil {
		res.err = err
		return res
	}
	det, err := structure.New(params)
	if err != nil {
		res.err = err
		return res
	}

	runID := uuid.New().String()
	started := time.Now().UnixMilli()
	var events []structure.Event
	for i, bar := range bars {
		if i%1024 == 0 && ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}
		evs, err := det.ProcessBar(bar)
		if err != nil {
			res.err = fmt.Errorf("第 %d 根K线处理失败: %w", i, err)
			return res
		}
		events = append(events, evs...)
	}
	logger.Infof("[calibrate] %s %s: %d 根, %d 个事件", symbol, c.interval, len(bars), len(events))

	if c.db != nil {
		paramsJSON, _ := json.Marshal(det.Params())
		rec := database.RunRecord{
			RunID:     runID,
			Symbol:    symbol,
			Interval:  c.interval,
			Params:    string(paramsJSON),
			StartedAt: started,
			Note:      "calibrate",
		}
		if err := c.db.InsertRun(ctx, rec); err != nil {
			res.err = err
			return res
		}
		if _, err := c.db.AppendEvents(ctx, runID, 0, events); err != nil {
			res.err = err
			return res
		}
		if err := c.db.SaveBars(ctx, runID, bars); err != nil {
			logger.Warnf("[calibrate] %s 落库K线失败: %v", symbol, err)
		}
		if err := c.db.SaveSnapshot(ctx, runID, det.Snapshot()); err != nil {
			res.err = err
			return res
		}
		if err := c.db.FinishRun(ctx, runID, database.RunStatusFinished, det.BarsProcessed()); err != nil {
			res.err = err
			return res
		}
	} else {
		runID = ""
	}

	input := report.Input{
		Symbol:   symbol,
		Interval: c.interval,
		RunID:    runID,
		Bars:     det.BarsProcessed(),
		Legs:     det.Legs(),
		Swings:   det.Swings(),
		Events:   events,
		Stats:    collectStats(det),
	}
	if mc, err := report.ComputeContext(bars, report.Settings{
		ATRPeriod: c.cfg.Report.ATRPeriod,
		RSIPeriod: c.cfg.Report.RSIPeriod,
		EMAPeriod: c.cfg.Report.EMAPeriod,
		HTFFactor: c.cfg.Report.HTFFactor,
	}); err != nil {
		logger.Warnf("[calibrate] %s 指标上下文跳过: %v", symbol, err)
	} else {
		input.Context = &mc
	}
	res.text = report.Render(input)

	if c.verify {
		checkpoint := len(bars) / 2
		rep, err := replay.VerifyDeterminism(params, bars, checkpoint)
		if err != nil {
			res.err = fmt.Errorf("一致性校验失败: %w", err)
			return res
		}
		if !rep.Identical() {
			res.err = fmt.Errorf("快照续跑与全量结果不一致: %+v", rep.Divergences)
			return res
		}
		res.text += fmt.Sprintf("\n一致性校验通过: checkpoint=%d events=%d", checkpoint, rep.EventsFull)
	}

	if c.renderer != nil {
		htmlPath, err := c.renderer.RenderHTML(chart.Input{
			Symbol:   symbol,
			Interval: c.interval,
			Bars:     bars,
			Legs:     det.Legs(),
			Swings:   det.Swings(),
		}, "")
		if err != nil {
			res.err = fmt.Errorf("图表渲染失败: %w", err)
			return res
		}
		res.chartPath = htmlPath
		if c.png {
			pngPath, err := c.renderer.RenderPNG(ctx, htmlPath, 0)
			if err != nil {
				logger.Warnf("[calibrate] %s PNG 截图失败: %v", symbol, err)
			} else {
				res.chartPath = htmlPath + " / " + pngPath
			}
		}
	}
	return res
}

func collectStats(det *structure.Detector) *report.StructureStats {
	stats := &report.StructureStats{
		BullImpulse: det.ImpulseMoments(structure.Bull),
		BearImpulse: det.ImpulseMoments(structure.Bear),
	}
	stats.BullCutoff, stats.BullCutoffOK = det.BigSwingCutoff(structure.Bull)
	stats.BearCutoff, stats.BearCutoffOK = det.BigSwingCutoff(structure.Bear)
	return stats
}
