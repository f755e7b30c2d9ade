package tmgbot

import (
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(testConfig(t)))

	t.Run("missing discord token", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Discord.Token = ""
		var ve validator.ValidationErrors
		require.ErrorAs(t, ValidateConfig(cfg), &ve)
		assert.Equal(t, "Token", ve[0].Field())
	})

	t.Run("unsupported database type", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DatabaseType = "mysql"
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("api listen required when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.API.Enabled = true
		require.NoError(t, ValidateConfig(cfg))

		cfg.API.Listen = ""
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("gemini model required with key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gemini.APIKey = "gemini-key"
		cfg.Gemini.Model = ""
		assert.Error(t, ValidateConfig(cfg))

		cfg.Gemini.APIKey = ""
		assert.NoError(t, ValidateConfig(cfg))
	})

	t.Run("invalid timezone", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Reminders.Timezone = "Mars/Olympus_Mons"
		err := ValidateConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reminder timezone")
	})
}

func TestReminderConfig_Location(t *testing.T) {
	loc, err := ReminderConfig{Timezone: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())

	_, err = ReminderConfig{Timezone: "Nowhere/Special"}.Location()
	assert.Error(t, err)
}

func TestCORSConfig_GINConfig(t *testing.T) {
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://admin.example.com"}

	gc := c.GINConfig()
	assert.Equal(t, []string{"https://admin.example.com"}, gc.AllowOrigins)
	assert.Contains(t, gc.AllowMethods, http.MethodPatch)
	assert.Contains(t, gc.AllowHeaders, xRequestIDHeader)
	assert.True(t, gc.AllowCredentials)
	assert.Equal(t, DefaultCORSMaxAge, gc.MaxAge)

	// the defaults aren't shared
	c.AllowMethods[0] = "BREW"
	assert.Equal(t, http.MethodGet, DefaultCORSAllowMethods[0])
}
