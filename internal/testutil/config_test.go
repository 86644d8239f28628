package testutil

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("local docker-compose defaults", func(t *testing.T) {
		for _, key := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME", "TEST_DB_SSL_MODE"} {
			t.Setenv(key, "")
		}
		assert.Equal(t, TestDBConfig{
			Host:     "localhost",
			Port:     "55432",
			User:     "jobcoord",
			Password: "jobcoord",
			DBName:   "jobcoord",
			SSLMode:  "disable",
		}, DefaultTestDBConfig())
	})

	t.Run("CI overrides", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
	})
}

func TestTestDBConfigDSN(t *testing.T) {
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "ci", Password: "p@ss", DBName: "ledger", SSLMode: "disable"}

	u, err := url.Parse(cfg.DSN(""))
	require.NoError(t, err)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/ledger", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss", pw)
	assert.Empty(t, u.Query().Get("search_path"))

	u, err = url.Parse(cfg.DSN("t_abc"))
	require.NoError(t, err)
	assert.Equal(t, "t_abc,public", u.Query().Get("search_path"))
}

func TestRunConcurrent(t *testing.T) {
	errs := RunConcurrent(
		func() error { return nil },
		func() error { return assert.AnError },
	)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], assert.AnError)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("JOBCOORD_FLAG", " Yes ")
	assert.True(t, envBool("JOBCOORD_FLAG"))
	t.Setenv("JOBCOORD_FLAG", "off")
	assert.False(t, envBool("JOBCOORD_FLAG"))
}
