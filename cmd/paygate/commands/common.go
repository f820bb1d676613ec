package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/logger"
)

// ConfigPath is set by the --config flag.
var ConfigPath string

const defaultConfigFile = "paygate.yaml"

func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*logger.ZapLogger, error) {
	return logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
}

func dial(ctx context.Context, cfg *config.Config, log logger.Logger) (*clients.EVMReader, error) {
	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain.rpc_url is not configured")
	}
	retry := cfg.Chain.Retry
	return clients.Dial(ctx, cfg.Chain.RPCURL, clients.ReaderConfig{
		Network:     cfg.Chain.Network,
		ChainID:     cfg.Chain.ChainID,
		CallTimeout: cfg.Chain.Timeout,
		RateLimit:   cfg.Chain.RateLimit,
		RateBurst:   cfg.Chain.RateBurst,
		Retry:       &retry,
		Logger:      log,
	})
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
