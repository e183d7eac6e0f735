package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"strata/internal/logger"
	"strata/internal/market"
)

const maxBatchLimit = 1000

// Source 实现了 market.Source，REST 与 WS 都走官方 SDK。
type Source struct {
	cfg     Config
	spot    *gobinance.Client
	futures *futures.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	stats  market.SourceStats
	closed bool
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	s := &Source{cfg: final}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.UseFutures {
		s.futures = futures.NewClient(final.APIKey, final.APISecret)
		s.futures.HTTPClient = httpClient
		if final.RESTBaseURL != "" {
			s.futures.BaseURL = final.RESTBaseURL
		}
	} else {
		s.spot = gobinance.NewClient(final.APIKey, final.APISecret)
		s.spot.HTTPClient = httpClient
		if final.RESTBaseURL != "" {
			s.spot.BaseURL = final.RESTBaseURL
		}
	}
	return s, nil
}

// FetchHistory 拉取最近 limit 根 K 线；末尾未收盘的 K 线会被丢弃。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	symbol, interval, err := normalizeStream(symbol, interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []market.Candle
	// 单批上限 1000，超出时从估算的起点开始翻页
	if limit <= maxBatchLimit {
		out, err = s.fetchKlines(ctx, symbol, interval, 0, 0, limit)
		if err != nil {
			return nil, err
		}
	} else {
		step, perr := market.ParseInterval(interval)
		if perr != nil {
			return nil, perr
		}
		start := time.Now().Add(-time.Duration(limit+2) * step).UnixMilli()
		out, err = s.FetchRange(ctx, symbol, interval, start, time.Now().UnixMilli())
		if err != nil {
			return nil, err
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
	}
	return dropUnfinished(out), nil
}

// FetchRange 拉取 [start, end] 毫秒区间内的全部 K 线，自动翻页。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	symbol, interval, err := normalizeStream(symbol, interval)
	if err != nil {
		return nil, err
	}
	if start <= 0 || end < start {
		return nil, fmt.Errorf("binance: 区间非法 [%d, %d]", start, end)
	}
	var out []market.Candle
	cursor := start
	for cursor <= end {
		batch, err := s.fetchKlines(ctx, symbol, interval, cursor, end, maxBatchLimit)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(batch) < maxBatchLimit {
			break
		}
	}
	return dropUnfinished(out), nil
}

func (s *Source) fetchKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	logger.Debugf("[binance] klines %s %s start=%d end=%d limit=%d", symbol, interval, start, end, limit)
	if s.cfg.UseFutures {
		svc := s.futures.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if start > 0 {
			svc = svc.StartTime(start)
		}
		if end > 0 {
			svc = svc.EndTime(end)
		}
		rows, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance: 拉取合约 K 线失败: %w", err)
		}
		out := make([]market.Candle, 0, len(rows))
		for _, k := range rows {
			if k == nil {
				continue
			}
			out = append(out, restCandle(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.TakerBuyBaseAssetVolume, k.TradeNum))
		}
		return out, nil
	}
	svc := s.spot.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if start > 0 {
		svc = svc.StartTime(start)
	}
	if end > 0 {
		svc = svc.EndTime(end)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: 拉取现货 K 线失败: %w", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, k := range rows {
		if k == nil {
			continue
		}
		out = append(out, restCandle(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.TakerBuyBaseAssetVolume, k.TradeNum))
	}
	return out, nil
}

// Subscribe 通过 SDK 的 combined kline 流订阅实时 K 线。
// 连接断开后指数退避重连；ctx 取消后事件通道关闭。
func (s *Source) Subscribe(ctx context.Context, symbols []string, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("binance: 订阅符号不能为空")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("binance: 订阅周期不能为空")
	}
	pairs := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		upper := strings.ToUpper(strings.TrimSpace(sym))
		if upper == "" {
			continue
		}
		pairs[upper] = interval
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("binance: 订阅符号不能为空")
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)

	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("binance: source 已关闭")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go s.streamLoop(subCtx, pairs, opts, out)
	return out, nil
}

func (s *Source) streamLoop(ctx context.Context, pairs map[string]string, opts market.SubscribeOptions, out chan<- market.CandleEvent) {
	defer close(out)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		doneC, stopC, err := s.serveKlines(pairs, out)
		if err != nil {
			s.mu.Lock()
			s.stats.SubscribeErrors++
			s.stats.LastError = err.Error()
			s.mu.Unlock()
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			logger.Warnf("[binance] WS 连接失败: %v，%s 后重试", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			s.mu.Lock()
			s.stats.Reconnects++
			s.mu.Unlock()
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(fmt.Errorf("stream closed"))
			}
			logger.Warnf("[binance] WS 断开，准备重连")
		}
	}
}

func (s *Source) serveKlines(pairs map[string]string, out chan<- market.CandleEvent) (chan struct{}, chan struct{}, error) {
	errHandler := func(err error) {
		s.mu.Lock()
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		logger.Warnf("[binance] WS 错误: %v", err)
	}
	if s.cfg.UseFutures {
		handler := func(ev *futures.WsKlineEvent) {
			if ev == nil {
				return
			}
			k := ev.Kline
			s.deliver(out, k.Symbol, k.Interval, wsCandle(k.StartTime, k.EndTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.ActiveBuyVolume, k.TradeNum), k.IsFinal)
		}
		return futures.WsCombinedKlineServe(pairs, handler, errHandler)
	}
	handler := func(ev *gobinance.WsKlineEvent) {
		if ev == nil {
			return
		}
		k := ev.Kline
		s.deliver(out, k.Symbol, k.Interval, wsCandle(k.StartTime, k.EndTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.ActiveBuyVolume, k.TradeNum), k.IsFinal)
	}
	return gobinance.WsCombinedKlineServe(pairs, handler, errHandler)
}

func (s *Source) deliver(out chan<- market.CandleEvent, symbol, interval string, c market.Candle, final bool) {
	ev := market.CandleEvent{Symbol: symbol, Interval: interval, Candle: c, Final: final}
	select {
	case out <- ev:
	default:
		logger.Warnf("[binance] 事件通道已满，丢弃 %s %s", symbol, interval)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func normalizeStream(symbol, interval string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", "", fmt.Errorf("binance: symbol 不能为空")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return "", "", fmt.Errorf("binance: interval 不能为空")
	}
	return symbol, interval, nil
}

func restCandle(openTime, closeTime int64, open, high, low, closePrice, volume, takerBuy string, trades int64) market.Candle {
	vol := parseFloat(volume)
	buy := parseFloat(takerBuy)
	return market.Candle{
		OpenTime:        openTime,
		CloseTime:       closeTime,
		Open:            parseFloat(open),
		High:            parseFloat(high),
		Low:             parseFloat(low),
		Close:           parseFloat(closePrice),
		Volume:          vol,
		Trades:          trades,
		TakerBuyVolume:  buy,
		TakerSellVolume: vol - buy,
	}
}

func wsCandle(startTime, endTime int64, open, high, low, closePrice, volume, activeBuy string, trades int64) market.Candle {
	return restCandle(startTime, endTime, open, high, low, closePrice, volume, activeBuy, trades)
}

// dropUnfinished 去掉末尾尚未收盘的 K 线；结构检测只消费已收盘数据。
func dropUnfinished(candles []market.Candle) []market.Candle {
	now := time.Now().UnixMilli()
	for len(candles) > 0 && candles[len(candles)-1].CloseTime > now {
		candles = candles[:len(candles)-1]
	}
	return candles
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
