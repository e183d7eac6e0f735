package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseInterval 将 binance 风格的周期串（1m/5m/1h/4h/1d/1w）解析为时长。
func ParseInterval(interval string) (time.Duration, error) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, fmt.Errorf("interval 非法: %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("interval 非法: %q", interval)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("interval 单位不支持: %q", interval)
	}
	return time.Duration(n) * unit, nil
}

// Aggregate 将 factor 根相邻 K 线合并为一根高周期 K 线。
// 输入必须已按时间升序排好；末尾不足 factor 根的残段丢弃，
// 保证输出的每根 K 线都来自完整窗口（检测器只认已收盘数据）。
func Aggregate(candles []Candle, factor int) ([]Candle, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("聚合倍数非法: %d", factor)
	}
	if factor == 1 {
		out := make([]Candle, len(candles))
		copy(out, candles)
		return out, nil
	}
	if err := CheckOrdered(candles); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(candles)/factor)
	for i := 0; i+factor <= len(candles); i += factor {
		chunk := candles[i : i+factor]
		merged := Candle{
			OpenTime:  chunk[0].OpenTime,
			CloseTime: chunk[factor-1].CloseTime,
			Open:      chunk[0].Open,
			High:      chunk[0].High,
			Low:       chunk[0].Low,
			Close:     chunk[factor-1].Close,
		}
		for _, c := range chunk {
			if c.High > merged.High {
				merged.High = c.High
			}
			if c.Low < merged.Low {
				merged.Low = c.Low
			}
			merged.Volume += c.Volume
			merged.Trades += c.Trades
			merged.TakerBuyVolume += c.TakerBuyVolume
			merged.TakerSellVolume += c.TakerSellVolume
		}
		out = append(out, merged)
	}
	return out, nil
}
