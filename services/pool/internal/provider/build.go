package provider

import (
	"log/slog"
	"os"

	"sharepool/services/pool/internal/provider/httpbackend"
)

// Build registers one HTTP automation backend per configured platform.
func Build(fc *FileConfig, log *slog.Logger) *Registry {
	reg := NewRegistry()
	if fc == nil {
		return reg
	}
	for platform, bc := range fc.Providers {
		token := ""
		if bc.APITokenEnv != "" {
			token = os.Getenv(bc.APITokenEnv)
			if token == "" {
				log.Warn("provider api token env is empty", "platform", platform, "env", bc.APITokenEnv)
			}
		}
		reg.Register(platform, httpbackend.New(httpbackend.Config{
			Platform:      normalize(platform),
			BaseURL:       bc.BaseURL,
			APIToken:      token,
			RatePerMinute: bc.RatePerMinute,
			Burst:         bc.Burst,
			Timeout:       bc.Timeout,
		}))
	}
	return reg
}
