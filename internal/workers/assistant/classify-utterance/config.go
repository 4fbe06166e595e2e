// internal/workers/assistant/classify-utterance/config.go
package classifyutterance

import "time"

type Config struct {
	Timeout              time.Duration
	AutoExecuteThreshold float64
}

func LoadConfig() *Config {
	return &Config{
		Timeout:              5 * time.Second,
		AutoExecuteThreshold: 0.6,
	}
}
