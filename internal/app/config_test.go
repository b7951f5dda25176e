package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-crm/internal/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AuthzPermissionTTL)
	assert.Equal(t, 10000, cfg.AuthzPermissionCacheSize)
	assert.Equal(t, 5*time.Second, cfg.AuthzLookupTimeout)
	assert.Equal(t, "authz.invalidate", cfg.AuthzInvalidationChannel)
	assert.Equal(t, guard.DefaultRoutes(), cfg.GuardRoutes())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsRelativeRoutes(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("AUTHZ_SIGN_IN_PATH", "login")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("CSRF_SECRET", "c")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestGuardRoutesFallsBackPerField(t *testing.T) {
	cfg := &Config{AuthzLandingPath: "/home"}
	routes := cfg.GuardRoutes()
	assert.Equal(t, "/home", routes.Landing)
	assert.Equal(t, "/auth/login", routes.SignIn)

	var nilCfg *Config
	assert.Equal(t, guard.DefaultRoutes(), nilCfg.GuardRoutes())
}

func TestRedisSettingsShared(t *testing.T) {
	cfg := &Config{RedisAddr: "redis:6379", RedisPassword: "pw", RedisDB: 2}

	opts := cfg.RedisOptions()
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)

	q := cfg.AsynqRedis()
	assert.Equal(t, opts.Addr, q.Addr)
	assert.Equal(t, opts.Password, q.Password)
	assert.Equal(t, opts.DB, q.DB)
}
