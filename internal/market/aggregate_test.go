package market

import "testing"

func TestAggregateMergesWindows(t *testing.T) {
	var src []Candle
	for i := int64(0); i < 7; i++ {
		src = append(src, Candle{
			OpenTime:       i * 60_000,
			CloseTime:      i*60_000 + 59_999,
			Open:           100 + float64(i),
			High:           110 + float64(i),
			Low:            90 - float64(i),
			Close:          101 + float64(i),
			Volume:         1,
			Trades:         2,
			TakerBuyVolume: 0.5,
		})
	}

	got, err := Aggregate(src, 3)
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	// 7 根按 3 合并：尾部残段丢弃，只剩 2 根
	if len(got) != 2 {
		t.Fatalf("应得 2 根，实际=%d", len(got))
	}
	first := got[0]
	if first.OpenTime != 0 || first.CloseTime != 2*60_000+59_999 {
		t.Fatalf("窗口时间不符: %+v", first)
	}
	if first.Open != 100 || first.Close != 103 {
		t.Fatalf("开收价应取窗口首尾: open=%v close=%v", first.Open, first.Close)
	}
	if first.High != 112 || first.Low != 88 {
		t.Fatalf("高低价应取窗口极值: high=%v low=%v", first.High, first.Low)
	}
	if first.Volume != 3 || first.Trades != 6 || first.TakerBuyVolume != 1.5 {
		t.Fatalf("量能应累加: %+v", first)
	}
}

func TestAggregateFactorOneCopies(t *testing.T) {
	src := []Candle{{OpenTime: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5}}
	got, err := Aggregate(src, 1)
	if err != nil {
		t.Fatalf("factor=1 失败: %v", err)
	}
	got[0].Close = 99
	if src[0].Close != 1.5 {
		t.Fatalf("factor=1 应返回拷贝")
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1m", "1m0s"},
		{"5m", "5m0s"},
		{"1h", "1h0m0s"},
		{"4h", "4h0m0s"},
		{"1d", "24h0m0s"},
		{"1w", "168h0m0s"},
	}
	for _, tc := range cases {
		d, err := ParseInterval(tc.in)
		if err != nil {
			t.Fatalf("%s 解析失败: %v", tc.in, err)
		}
		if d.String() != tc.want {
			t.Fatalf("%s 应为 %s，实际=%s", tc.in, tc.want, d)
		}
	}
	for _, bad := range []string{"", "m", "0m", "-1h", "3x"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Fatalf("%q 应解析失败", bad)
		}
	}
}

func TestAggregateRejectsBadInput(t *testing.T) {
	if _, err := Aggregate(nil, 0); err == nil {
		t.Fatalf("factor<=0 应报错")
	}
	bad := []Candle{
		{OpenTime: 2000, Open: 1, High: 1, Low: 1, Close: 1},
		{OpenTime: 1000, Open: 1, High: 1, Low: 1, Close: 1},
	}
	if _, err := Aggregate(bad, 2); err == nil {
		t.Fatalf("乱序输入应报错")
	}
}
