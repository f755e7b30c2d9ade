package tmgbot

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	maxImageBytes     = 20 << 20
	maxReferenceDepth = 10
)

// collectImages returns the images attached to m as data URLs, followed by
// those of the message it replies to (recursively). Images that can't be
// downloaded are skipped.
func (b *Bot) collectImages(ctx context.Context, m *discordgo.Message) []string {
	logger := loggerFrom(ctx, b.logger)
	seen := map[string]bool{}

	var images []string
	for depth := 0; m != nil && depth < maxReferenceDepth && !seen[m.ID]; depth++ {
		seen[m.ID] = true
		for _, att := range m.Attachments {
			if !strings.HasPrefix(att.ContentType, "image/") {
				continue
			}
			dataURL, err := b.downloadDataURL(ctx, att.URL, att.ContentType)
			if err != nil {
				logger.WarnContext(ctx, "error downloading attachment", "url", att.URL, tint.Err(err))
				continue
			}
			images = append(images, dataURL)
		}
		m = b.referencedMessage(ctx, m)
	}
	return images
}

// referencedMessage returns the message m replies to, or nil
func (b *Bot) referencedMessage(ctx context.Context, m *discordgo.Message) *discordgo.Message {
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage
	}
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return nil
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	msg, err := b.discord.session.ChannelMessage(
		channelID,
		ref.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		loggerFrom(ctx, b.logger).WarnContext(
			ctx,
			"error fetching referenced message",
			"message_id", ref.MessageID,
			tint.Err(err),
		)
		return nil
	}
	return msg
}

func (b *Bot) downloadDataURL(ctx context.Context, url, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
