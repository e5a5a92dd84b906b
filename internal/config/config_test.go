package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		Principal: "Alice@Example.com",
		DataDir:   tmp,
		Backend:   " SQLite ",
		Path:      filepath.Join(tmp, "config.yaml"),
	}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.True(t, filepath.IsAbs(cfg.Path))
	assert.Equal(t, "alice@example.com", cfg.Principal)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, filepath.Join(tmp, "store.db"), cfg.DatabasePath)
	assert.Equal(t, DefaultZoneName, cfg.ZoneName)
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, DefaultInterval, cfg.RefreshInterval)
	storeDir := filepath.Join(tmp, "principals", "alice@example.com", "stores", cfg.StoreKey())
	assert.Equal(t, filepath.Join(storeDir, "journal.db"), cfg.JournalPath())
	assert.Equal(t, filepath.Join(storeDir, "state"), cfg.StateDir())
	assert.Equal(t, filepath.Join(tmp, "logs", "foliosync.log"), LogFilePath(tmp))
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	t.Run("missing principal", func(t *testing.T) {
		cfg := &Config{DataDir: tmp}
		assert.ErrorIs(t, cfg.Validate(), ErrPrincipalRequired)
	})

	t.Run("bad principal", func(t *testing.T) {
		cfg := &Config{Principal: "not-an-email", DataDir: tmp}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "principal")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &Config{Principal: "alice@example.com", DataDir: tmp, Backend: "gcs"}
		assert.ErrorIs(t, cfg.Validate(), ErrUnknownBackend)
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		cfg := &Config{Principal: "alice@example.com", DataDir: tmp, Backend: BackendS3}
		assert.ErrorIs(t, cfg.Validate(), ErrBucketRequired)
	})

	t.Run("negative cache size", func(t *testing.T) {
		cfg := &Config{Principal: "alice@example.com", DataDir: tmp, Backend: BackendS3, S3: S3Config{Bucket: "folios", CacheSize: -1}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative concurrency", func(t *testing.T) {
		cfg := &Config{Principal: "alice@example.com", DataDir: tmp, ZoneConcurrency: -1}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "zone concurrency")
	})
}

func TestConfig_StoreKey_FollowsStoreIdentity(t *testing.T) {
	tmp := t.TempDir()
	newConfig := func(mutate func(*Config)) *Config {
		cfg := &Config{Principal: "alice@example.com", DataDir: tmp}
		mutate(cfg)
		require.NoError(t, cfg.Validate())
		return cfg
	}

	base := newConfig(func(*Config) {})
	same := newConfig(func(c *Config) { c.DatabasePath = filepath.Join(tmp, "store.db") })
	other := newConfig(func(c *Config) { c.DatabasePath = filepath.Join(tmp, "other.db") })
	bucket := newConfig(func(c *Config) { c.Backend = BackendS3; c.S3.Bucket = "folios" })
	otherBucket := newConfig(func(c *Config) { c.Backend = BackendS3; c.S3.Bucket = "archive" })

	assert.Equal(t, base.StoreKey(), same.StoreKey())
	assert.Contains(t, base.StoreKey(), BackendSQLite+"-")
	assert.Contains(t, bucket.StoreKey(), BackendS3+"-")

	dirs := []string{base.StoreDir(), other.StoreDir(), bucket.StoreDir(), otherBucket.StoreDir()}
	for i := range dirs {
		for j := i + 1; j < len(dirs); j++ {
			assert.NotEqual(t, dirs[i], dirs[j])
		}
	}
	assert.NotEqual(t, base.JournalPath(), other.JournalPath())
	assert.NotEqual(t, base.StateDir(), other.StateDir())
}

func TestConfig_Validate_S3KeepsDatabasePathEmpty(t *testing.T) {
	cfg := &Config{
		Principal: "alice@example.com",
		DataDir:   t.TempDir(),
		Backend:   BackendS3,
		S3:        S3Config{Bucket: "folios", Region: "us-east-1"},
	}

	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.DatabasePath)
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "config.yaml")

	cfg := &Config{
		Principal:       "alice@example.com",
		DataDir:         tmp,
		Backend:         BackendS3,
		S3:              S3Config{Bucket: "folios", Region: "eu-west-1", Endpoint: "http://localhost:9000"},
		ZoneName:        "Albums",
		PageSize:        50,
		Journal:         true,
		RefreshInterval: 2 * time.Minute,
		Path:            "/ignored", // should not persist
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded.Path)
	assert.Equal(t, cfg.Principal, loaded.Principal)
	assert.Equal(t, cfg.S3, loaded.S3)
	assert.Equal(t, "Albums", loaded.ZoneName)
	assert.Equal(t, 50, loaded.PageSize)
	assert.True(t, loaded.Journal)
	assert.Equal(t, 2*time.Minute, loaded.RefreshInterval)
}

func TestConfig_LoadFillsDefaults(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	require.NoError(t, (&Config{Principal: "bob@example.com"}).Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", loaded.Principal)
	assert.Equal(t, DefaultPageSize, loaded.PageSize)
	assert.Equal(t, DefaultInterval, loaded.RefreshInterval)
}

func TestConfig_LoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
