package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// useTempDB points the CLI at a fresh sqlite database, returning its path
func useTempDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("TMG_DATABASE_TYPE", "sqlite")
	t.Setenv("TMG_DATABASE", dbPath)
	return dbPath
}

// captureOutput redirects rootCmd's output to a buffer for the test
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	dbPath := useTempDB(t)

	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = mockPasswordReader

	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte("testadmin\n"))
		_ = w.Close()
	}()

	out := captureOutput(t)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db := openTestDB(t, dbPath)

	var config tmgbot.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)

	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEmpty(t, config.AdminPassword)
	assert.NotEqual(t, "testpassword", config.AdminPassword)
	assert.Equal(t, tmgbot.DefaultDiscordStatus, config.DiscordStatus)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&tmgbot.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&tmgbot.HelperPoints{}))
	assert.True(t, mg.HasTable(&tmgbot.InactiveMember{}))
	assert.True(t, mg.HasTable(&tmgbot.Reminder{}))
	assert.True(t, mg.HasTable(&tmgbot.InteractionLog{}))
	assert.True(t, mg.HasTable(&tmgbot.OpenAIAPILog{}))

	valid, err := tmgbot.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)

	// a second run leaves the credentials alone
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set.")
}
