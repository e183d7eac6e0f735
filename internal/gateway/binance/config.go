package binance

import "time"

// Config 描述 Binance Source 运行所需的参数。
type Config struct {
	APIKey    string
	APISecret string
	// UseFutures 为 true 时走 USDT 本位合约接口，否则走现货。
	UseFutures bool
	// RESTBaseURL 留空时使用 SDK 默认地址，测试时可指向本地桩。
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}
