package tmgbot

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	valid, err := VerifyPassword(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword(hash, "hunter3")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = VerifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt should differ")
}

func TestShortenString(t *testing.T) {
	assert.Equal(t, "short", shortenString("short", 10))
	assert.Equal(t, "a\nb", shortenString("a\n\nb", 3))
	assert.Equal(t, "bold", shortenString("**bold**", 4))

	long := strings.Repeat("x", 200)
	shortened := shortenString(long, 100)
	assert.LessOrEqual(t, utf8.RuneCountInString(shortened), 100)
	assert.True(t, strings.HasSuffix(shortened, "**(límite de caracteres alcanzado)**"))

	assert.Equal(t, "xxxxx", shortenString(long, 5))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"hola"}, splitMessage("hola", 10))
	assert.Empty(t, splitMessage("", 10))

	parts := splitMessage("linea uno\nlinea dos\nlinea tres", 20)
	assert.Equal(t, []string{"linea uno\nlinea dos", "linea tres"}, parts)

	parts = splitMessage(strings.Repeat("á", 25), 10)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("á", 10), parts[0])
	assert.Equal(t, strings.Repeat("á", 5), parts[2])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "ñañ", truncate("ñañaña", 3))
	assert.Equal(t, "ok", truncate("ok", 3))
}

func TestChunkItems(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunkItems(2, 1, 2, 3, 4, 5))
	assert.Nil(t, chunkItems[int](2))
}

func TestContextLogger(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(nil, nil))
	assert.Same(t, fallback, loggerFrom(context.Background(), fallback))

	logger := slog.Default().With("k", "v")
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, loggerFrom(ctx, fallback))
}

func TestStructToSlogValueRedacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"
	cfg.OpenAI.Token = "also-secret"

	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("config", "config", cfg)

	assert.NotContains(t, sb.String(), "super-secret")
	assert.NotContains(t, sb.String(), "also-secret")
	assert.Contains(t, sb.String(), "[redacted]")
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)
	assert.Len(t, derive64ByteKey("secret"), 64)
}
