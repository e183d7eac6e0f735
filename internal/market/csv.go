package market

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// csvHeader 是本项目 K 线 CSV 的标准列头。
const csvHeader = "open_time,open,high,low,close,volume,trades"

// LoadCSV 从文件读入 K 线序列。
// 支持标准列头（见 csvHeader）；volume/trades 列可缺省。
// 读入后立即做排序校验，乱序数据在入口处拒绝而不是悄悄修正。
func LoadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 CSV 失败: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV 从 reader 解析 K 线序列。
func ReadCSV(r io.Reader) ([]Candle, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []Candle
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if line == 1 && strings.HasPrefix(strings.ToLower(raw), "open_time") {
			continue
		}
		c, err := parseCSVRow(raw)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("第 %d 行数据非法: %w", line, err)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := CheckOrdered(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCSVRow(raw string) (Candle, error) {
	fields := strings.Split(raw, ",")
	if len(fields) < 5 {
		return Candle{}, fmt.Errorf("列数不足: %d", len(fields))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("open_time 非法: %q", fields[0])
	}
	prices := make([]float64, 4)
	for i := 0; i < 4; i++ {
		// 价格列走 decimal 解析，ParseFloat 会吞掉的 NaN/Inf 在这里被拒绝
		d, err := decimal.NewFromString(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return Candle{}, fmt.Errorf("价格列 %d 非法: %q", i+1, fields[i+1])
		}
		prices[i], _ = d.Float64()
	}
	c := Candle{
		OpenTime: ts,
		// CSV 不携带收盘时间时按同值处理，聚合时再推导。
		CloseTime: ts,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
	}
	if len(fields) > 5 {
		c.Volume, _ = strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	}
	if len(fields) > 6 {
		c.Trades, _ = strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
	}
	return c, nil
}

// WriteCSV 以标准列头导出 K 线序列，供 UI 下载与离线标定复用。
func WriteCSV(w io.Writer, candles []Candle) error {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteByte('\n')
	for _, c := range candles {
		b.WriteString(strconv.FormatInt(c.OpenTime, 10))
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(c.Trades, 10))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
