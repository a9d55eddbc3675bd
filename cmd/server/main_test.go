package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	assert.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short"}))
}

func TestValidateSecurityConfigRejectsWildcardOriginInProduction(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		AllowedOrigin: "*",
		AppEnv:        "production",
	})
	assert.Error(t, err)
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "https://kpi.example.com"})
	assert.NoError(t, err)
}

func TestOpenBlobsSelectsBackend(t *testing.T) {
	store, closeFn, err := openBlobs(context.Background(), config.Config{BlobBackend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &blob.Memory{}, store)
	assert.Nil(t, closeFn)

	store, _, err = openBlobs(context.Background(), config.Config{BlobBackend: "local", BlobLocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &blob.Local{}, store)
}
