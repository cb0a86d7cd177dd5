package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"data_path": "/tmp/data",
		"doi_registry_url": "https://doi.example/",
		"oa_locator_url": "https://oa.example/",
		"contact_email": "ops@example.com"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 4, cfg.PerHostLimit)
	assert.Equal(t, 3, cfg.PerStageRetries)
	assert.False(t, cfg.UsesObjectStore())
}

func TestLoad_S3RequiresRegion(t *testing.T) {
	path := writeConfig(t, `{
		"data_path": "/tmp/data",
		"s3_bucket": "my-bucket",
		"doi_registry_url": "https://doi.example/",
		"oa_locator_url": "https://oa.example/",
		"contact_email": "ops@example.com"
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `{"data_path": "/tmp/data"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ObjectStoreSelected(t *testing.T) {
	path := writeConfig(t, `{
		"data_path": "/tmp/data",
		"s3_bucket": "my-bucket",
		"s3_region": "us-east-1",
		"doi_registry_url": "https://doi.example/",
		"oa_locator_url": "https://oa.example/",
		"contact_email": "ops@example.com"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.UsesObjectStore())
}
