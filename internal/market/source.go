package market

import "context"

// CandleEvent 封装了来源于外部行情源的单根 K 线。
type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
	// Final 标记该 K 线是否已收盘；结构检测只消费已收盘的 K 线。
	Final bool
}

// SubscribeOptions 控制实时订阅行为。
type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

// SourceStats 记录数据源运行期的一些指标。
type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// OpenInterestPoint 是合约持仓量历史中的一个采样点。
type OpenInterestPoint struct {
	Symbol               string  `json:"symbol"`
	SumOpenInterest      float64 `json:"sum_open_interest"`
	SumOpenInterestValue float64 `json:"sum_open_interest_value"`
	Timestamp            int64   `json:"timestamp"`
}

// DerivativesSource 由支持合约衍生品数据的行情源额外实现。
// 现货或离线数据源可以不实现该接口。
type DerivativesSource interface {
	// GetFundingRate 返回最新一期资金费率，例如 0.0001 表示 0.01%。
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	// GetOpenInterestHistory 返回按 period 采样的持仓量历史，时间升序。
	GetOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]OpenInterestPoint, error)
}

// Source 统一对接外部行情供应商。
type Source interface {
	// FetchHistory 拉取最近 limit 根 K 线并按时间升序返回。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// FetchRange 拉取 [start, end] 毫秒区间内的 K 线，按时间升序返回。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]Candle, error)
	// Subscribe 订阅实时 K 线，返回只读事件通道；通道关闭意味着订阅已结束。
	Subscribe(ctx context.Context, symbols []string, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)
	// Stats 返回当前运行状态（若 source 不支持则返回零值）。
	Stats() SourceStats
	// Close 释放底层资源，例如关闭 WS 连接。
	Close() error
}
