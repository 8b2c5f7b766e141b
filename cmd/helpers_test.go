package cmd

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/config"
	"github.com/JakeFAU/jobstream/internal/jobapi"
)

func mustConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.BaseURL = baseURL
	cfg.Identity.Provider = config.IdentityMemory
	return cfg
}

func emptyPayload() jobapi.Payload {
	return jobapi.Payload{Fields: url.Values{}}
}
