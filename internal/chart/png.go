package chart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"strata/internal/logger"
)

// RenderPNG 用无头浏览器把已生成的 HTML 截图为同名 PNG。
// 依赖本机可用的 Chrome/Chromium，没有就报错而不是静默跳过。
func (r *Renderer) RenderPNG(ctx context.Context, htmlPath string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", fmt.Errorf("chart: 解析路径失败: %w", err)
	}
	pngPath := strings.TrimSuffix(abs, filepath.Ext(abs)) + ".png"

	cctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	cctx, cancelT := context.WithTimeout(cctx, timeout)
	defer cancelT()

	var buf []byte
	err = chromedp.Run(cctx,
		chromedp.EmulateViewport(int64(r.opts.Width+40), int64(r.opts.Height+80)),
		chromedp.Navigate("file://"+abs),
		// echarts 渲染到 canvas，等它出现再多给一拍动画时间
		chromedp.WaitVisible("canvas", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return "", fmt.Errorf("chart: 截图失败: %w", err)
	}
	if err := os.WriteFile(pngPath, buf, 0o644); err != nil {
		return "", fmt.Errorf("chart: 写入 PNG 失败: %w", err)
	}
	logger.Infof("[chart] 已截图 %s (%d 字节)", pngPath, len(buf))
	return pngPath, nil
}
