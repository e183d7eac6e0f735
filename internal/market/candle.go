package market

import (
	"fmt"
	"time"
)

// Candle 表示一根已收盘的 OHLC K 线，时间戳为毫秒。
type Candle struct {
	OpenTime        int64   `json:"open_time"`
	CloseTime       int64   `json:"close_time"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          float64 `json:"volume"`
	Trades          int64   `json:"trades,omitempty"`
	TakerBuyVolume  float64 `json:"taker_buy_volume,omitempty"`
	TakerSellVolume float64 `json:"taker_sell_volume,omitempty"`
}

// Time 返回开盘时间。
func (c Candle) Time() time.Time { return time.UnixMilli(c.OpenTime) }

// Range 返回最高价与最低价的差值。
func (c Candle) Range() float64 { return c.High - c.Low }

// Body 返回收盘相对开盘的有向实体振幅。
func (c Candle) Body() float64 { return c.Close - c.Open }

// Validate 校验单根 K 线的价格关系是否自洽。
func (c Candle) Validate() error {
	if c.OpenTime <= 0 {
		return fmt.Errorf("open_time 非法: %d", c.OpenTime)
	}
	if c.High < c.Low {
		return fmt.Errorf("high(%v) < low(%v)", c.High, c.Low)
	}
	if c.Open > c.High || c.Open < c.Low {
		return fmt.Errorf("open(%v) 超出 [low, high] 区间", c.Open)
	}
	if c.Close > c.High || c.Close < c.Low {
		return fmt.Errorf("close(%v) 超出 [low, high] 区间", c.Close)
	}
	return nil
}

// CheckOrdered 校验序列严格按 OpenTime 递增；重复与乱序一律拒绝。
func CheckOrdered(candles []Candle) error {
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].OpenTime, candles[i].OpenTime
		if cur == prev {
			return fmt.Errorf("第 %d 根 K 线时间戳重复: %d", i, cur)
		}
		if cur < prev {
			return fmt.Errorf("第 %d 根 K 线乱序: %d < %d", i, cur, prev)
		}
	}
	return nil
}
