package chart

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/structure"
)

// Options 控制输出目录与画布尺寸（像素）。
type Options struct {
	OutDir string
	Width  int
	Height int
}

func (o Options) withDefaults() Options {
	if o.OutDir == "" {
		o.OutDir = "charts"
	}
	if o.Width <= 0 {
		o.Width = 1400
	}
	if o.Height <= 0 {
		o.Height = 760
	}
	return o
}

// Renderer 把一段 K 线与检测到的结构画成可交互的 HTML 图表。
type Renderer struct {
	opts Options
}

func NewRenderer(opts Options) *Renderer {
	return &Renderer{opts: opts.withDefaults()}
}

// Input 是一次渲染的全部素材。
// BaseIndex 是 Bars[0] 对应的全局 K 线序号，
// 腿与摆动携带的都是全局序号，渲染前要换算回窗口位置。
type Input struct {
	Title     string
	Symbol    string
	Interval  string
	Bars      []market.Candle
	BaseIndex int64
	Legs      []structure.Leg
	Swings    []structure.Swing
}

// RenderTo 把图表直接写入 w，不落文件；HTTP 接口用它在线导出。
func (r *Renderer) RenderTo(w io.Writer, input Input) error {
	if len(input.Bars) == 0 {
		return fmt.Errorf("chart: 没有可渲染的K线")
	}
	if err := r.buildKline(input).Render(w); err != nil {
		return fmt.Errorf("chart: 渲染失败: %w", err)
	}
	return nil
}

// RenderHTML 生成图表文件并返回路径；name 为空时按标的和起点自动命名。
func (r *Renderer) RenderHTML(input Input, name string) (string, error) {
	if len(input.Bars) == 0 {
		return "", fmt.Errorf("chart: 没有可渲染的K线")
	}
	if err := os.MkdirAll(r.opts.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("chart: 创建输出目录失败: %w", err)
	}
	if name == "" {
		name = fmt.Sprintf("%s_%s_%d",
			strings.ToLower(input.Symbol), input.Interval, input.Bars[0].OpenTime)
	}
	path := filepath.Join(r.opts.OutDir, name+".html")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("chart: 创建文件失败: %w", err)
	}
	defer f.Close()
	if err := r.RenderTo(f, input); err != nil {
		return "", err
	}
	logger.Infof("[chart] 已输出 %s (%d 根K线, %d 条腿, %d 个摆动)",
		path, len(input.Bars), len(input.Legs), len(input.Swings))
	return path, nil
}

func (r *Renderer) buildKline(input Input) *charts.Kline {
	title := input.Title
	if title == "" {
		title = fmt.Sprintf("%s %s 结构", input.Symbol, input.Interval)
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithInitializationOpts(opts.Initialization{
			Width:     fmt.Sprintf("%dpx", r.opts.Width),
			Height:    fmt.Sprintf("%dpx", r.opts.Height),
			PageTitle: title,
		}),
		charts.WithXAxisOpts(opts.XAxis{SplitNumber: 20}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside", Start: 0, End: 100, XAxisIndex: []int{0}}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100, XAxisIndex: []int{0}}),
	)

	x := make([]string, 0, len(input.Bars))
	y := make([]opts.KlineData, 0, len(input.Bars))
	for _, b := range input.Bars {
		x = append(x, xLabel(b.OpenTime))
		// echarts 的K线取值顺序固定为 open/close/low/high
		y = append(y, opts.KlineData{Value: [4]float64{b.Open, b.Close, b.Low, b.High}})
	}

	seriesOpts := []charts.SeriesOpts{
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        "#47b262",
			Color0:       "#eb5454",
			BorderColor:  "#47b262",
			BorderColor0: "#eb5454",
		}),
	}

	if lines := r.legLines(input, x); len(lines) > 0 {
		seriesOpts = append(seriesOpts,
			charts.WithMarkLineNameCoordItemOpts(lines...),
			charts.WithMarkLineStyleOpts(opts.MarkLineStyle{
				Symbol: []string{"none", "none"},
				Label:  &opts.Label{Show: opts.Bool(true), Formatter: "{b}"},
			}),
		)
	}
	if points := r.swingPoints(input, x); len(points) > 0 {
		seriesOpts = append(seriesOpts,
			charts.WithMarkPointNameCoordItemOpts(points...),
			charts.WithMarkPointStyleOpts(opts.MarkPointStyle{
				Label:      &opts.Label{Show: opts.Bool(true), Formatter: "{b}"},
				SymbolSize: 36,
			}),
		)
	}

	kline.SetXAxis(x).AddSeries("kline", y, seriesOpts...)
	return kline
}

// legLines 把窗口内的腿翻译为 origin→pivot 线段。
// 超出窗口的腿直接跳过，不做截断。
func (r *Renderer) legLines(input Input, x []string) []opts.MarkLineNameCoordItem {
	out := make([]opts.MarkLineNameCoordItem, 0, len(input.Legs))
	for _, leg := range input.Legs {
		oi := int(leg.OriginIndex - input.BaseIndex)
		pi := int(leg.PivotIndex - input.BaseIndex)
		if oi < 0 || pi < 0 || oi >= len(x) || pi >= len(x) {
			continue
		}
		name := fmt.Sprintf("#%d %s %s", leg.ID, leg.Direction, leg.Status)
		if leg.Formed {
			name += " ✓"
		}
		out = append(out, opts.MarkLineNameCoordItem{
			Name:        name,
			Coordinate0: []interface{}{x[oi], leg.OriginPrice},
			Coordinate1: []interface{}{x[pi], leg.PivotPrice},
		})
	}
	return out
}

// swingPoints 在成型位置标出摆动，并附上对称延伸目标价。
func (r *Renderer) swingPoints(input Input, x []string) []opts.MarkPointNameCoordItem {
	out := make([]opts.MarkPointNameCoordItem, 0, len(input.Swings))
	for _, sw := range input.Swings {
		fi := int(sw.FormedIndex - input.BaseIndex)
		if fi < 0 || fi >= len(x) {
			continue
		}
		target := sw.PivotPrice
		for _, lv := range sw.Levels {
			if lv.Ratio == 2.0 {
				target = lv.Price
			}
		}
		out = append(out, opts.MarkPointNameCoordItem{
			Name:       fmt.Sprintf("S#%d→%.6g", sw.LegID, target),
			Coordinate: []interface{}{x[fi], sw.PivotPrice},
		})
	}
	return out
}

func xLabel(openTime int64) string {
	return time.UnixMilli(openTime).UTC().Format("2006-01-02 15:04")
}
