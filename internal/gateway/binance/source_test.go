package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"strata/internal/market"
)

// 固定三根 K 线，最后一根收盘时间在遥远的未来（未收盘）。
func fixedKlineStub(t *testing.T) *httptest.Server {
	t.Helper()
	body := `[
[60000,"100","105","99","104","12.5",119999,"1300",42,"8.5","900","0"],
[120000,"104","108","103","107","8",179999,"860",17,"3","321","0"],
[180000,"107","109","106","108","5",99999999999999,"540",9,"2","216","0"]]`
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" && r.URL.Path != "/fapi/v1/klines" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol 应为 BTCUSDT，实际=%s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
}

func TestFetchHistoryDropsUnfinished(t *testing.T) {
	srv := fixedKlineStub(t)
	defer srv.Close()

	src, err := New(Config{RESTBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	got, err := src.FetchHistory(context.Background(), " btcusdt ", "1m", 3)
	if err != nil {
		t.Fatalf("拉取失败: %v", err)
	}
	// 未收盘的第三根被丢弃
	if len(got) != 2 {
		t.Fatalf("应剩 2 根已收盘 K 线，实际=%d", len(got))
	}
	first := got[0]
	if first.OpenTime != 60000 || first.Open != 100 || first.High != 105 || first.Low != 99 || first.Close != 104 {
		t.Fatalf("OHLC 解析错误: %+v", first)
	}
	if first.Volume != 12.5 || first.Trades != 42 {
		t.Fatalf("量能解析错误: %+v", first)
	}
	if first.TakerBuyVolume != 8.5 || first.TakerSellVolume != 4 {
		t.Fatalf("taker 拆分错误: buy=%v sell=%v", first.TakerBuyVolume, first.TakerSellVolume)
	}
}

func TestFetchHistoryFuturesPath(t *testing.T) {
	srv := fixedKlineStub(t)
	defer srv.Close()

	src, err := New(Config{UseFutures: true, RESTBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	got, err := src.FetchHistory(context.Background(), "BTCUSDT", "1m", 3)
	if err != nil {
		t.Fatalf("合约模式拉取失败: %v", err)
	}
	if len(got) != 2 || got[1].Close != 107 {
		t.Fatalf("合约模式解析错误: %+v", got)
	}
}

func TestFetchHistoryRejectsEmptyStream(t *testing.T) {
	src, _ := New(Config{})
	if _, err := src.FetchHistory(context.Background(), "", "1m", 10); err == nil {
		t.Fatalf("空 symbol 应报错")
	}
	if _, err := src.FetchHistory(context.Background(), "BTCUSDT", " ", 10); err == nil {
		t.Fatalf("空 interval 应报错")
	}
}

// 按 startTime 生成分钟 K 线的桩，用于翻页验证。
func pagingKlineStub(t *testing.T, lastOpen int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = 500
		}
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		if rem := start % 60_000; rem != 0 {
			start += 60_000 - rem
		}
		if end <= 0 || end > lastOpen {
			end = lastOpen
		}
		var rows []string
		for ot := start; ot <= end && len(rows) < limit; ot += 60_000 {
			price := 100 + float64(ot/60_000)
			rows = append(rows, fmt.Sprintf(
				`[%d,"%.1f","%.1f","%.1f","%.1f","1",%d,"100",3,"0.5","50","0"]`,
				ot, price, price+1, price-1, price, ot+59_999))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	}))
}

func TestFetchRangePaginates(t *testing.T) {
	// 1500 根跨两批（单批上限 1000）
	lastOpen := int64(1500 * 60_000)
	srv := pagingKlineStub(t, lastOpen)
	defer srv.Close()

	src, err := New(Config{RESTBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	got, err := src.FetchRange(context.Background(), "BTCUSDT", "1m", 60_000, lastOpen)
	if err != nil {
		t.Fatalf("区间拉取失败: %v", err)
	}
	if len(got) != 1500 {
		t.Fatalf("应拉满 1500 根，实际=%d", len(got))
	}
	if err := market.CheckOrdered(got); err != nil {
		t.Fatalf("翻页结果乱序: %v", err)
	}
	if got[0].OpenTime != 60_000 || got[len(got)-1].OpenTime != lastOpen {
		t.Fatalf("区间端点不符: 首=%d 尾=%d", got[0].OpenTime, got[len(got)-1].OpenTime)
	}

	if _, err := src.FetchRange(context.Background(), "BTCUSDT", "1m", 0, 100); err == nil {
		t.Fatalf("非法区间应报错")
	}
}
