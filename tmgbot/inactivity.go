package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	discordMessagePageSize = 100
	discordMemberPageSize  = 1000
	kickReason             = "Inactive user"

	messageNoPermission       = "You don't have permission to use this command."
	messageInactiveNotFetched = "You didn't fetch inactive users yet."
	messageInactiveFetched    = "Inactive users have been fetched."
	messageInactiveMentioned  = "Inactive users have been mentioned."
)

// InactiveMember is a member with no messages in the last scan window.
// Each scan replaces the whole table.
type InactiveMember struct {
	MemberID      string `gorm:"primaryKey;type:string" json:"member_id"`
	Username      string `gorm:"type:string" json:"username"`
	Discriminator string `gorm:"type:string" json:"discriminator"`

	// JoinedAt is when the member joined the guild (unix ms)
	JoinedAt int64 `json:"joined_at"`

	// AccountCreatedAt is derived from the user's snowflake (unix ms)
	AccountCreatedAt int64 `json:"account_created_at"`

	ScannedAt int64 `gorm:"autoCreateTime:milli" json:"scanned_at"`
}

func (InactiveMember) TableName() string {
	return "inactive_members"
}

func (m InactiveMember) Mention() string {
	return "<@" + m.MemberID + ">"
}

// ListInactive returns the members recorded by the last scan
func ListInactive(ctx context.Context, db *gorm.DB) ([]InactiveMember, error) {
	var members []InactiveMember
	err := db.WithContext(ctx).Order("member_id").Find(&members).Error
	return members, err
}

// ReplaceInactive replaces the stored inactive members with members.
func ReplaceInactive(ctx context.Context, db DBI, members []InactiveMember) error {
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&InactiveMember{}).Error; err != nil {
				return err
			}
			if len(members) == 0 {
				return nil
			}
			return tx.CreateInBatches(members, 200).Error
		},
	)
}

// ClearInactive deletes every stored inactive member.
func ClearInactive(ctx context.Context, db DBI) error {
	return ReplaceInactive(ctx, db, nil)
}

// InactivityReport summarizes a scan.
type InactivityReport struct {
	Since           time.Time     `json:"since"`
	ChannelsScanned int           `json:"channels_scanned"`
	ChannelsFailed  int           `json:"channels_failed"`
	MessagesSeen    int           `json:"messages_seen"`
	Members         int           `json:"members"`
	Inactive        int           `json:"inactive"`
	RolesAdded      int           `json:"roles_added"`
	RolesRemoved    int           `json:"roles_removed"`
	Elapsed         time.Duration `json:"elapsed"`
}

func (r InactivityReport) LogValue() slog.Value {
	return structToSlogValue(r)
}

// InactivityManager scans guild history to find inactive members, and
// keeps the active member role in sync.
type InactivityManager struct {
	session DiscordSessionHandler
	db      DBI
	guildID string
	config  *CommunityConfig
	logger  *slog.Logger
	now     func() time.Time

	// scanning serializes scans, which are slow and hit rate limits
	scanning sync.Mutex
}

func newInactivityManager(
	session DiscordSessionHandler,
	db DBI,
	guildID string,
	config *CommunityConfig,
	handler slog.Handler,
) *InactivityManager {
	return &InactivityManager{
		session: session,
		db:      db,
		guildID: guildID,
		config:  config,
		logger:  slog.New(handler).With(loggerNameKey, "inactivity"),
		now:     time.Now,
	}
}

// lastSeen tracks the latest message time per author
type lastSeen struct {
	mu    sync.Mutex
	times map[string]time.Time
	count int
}

func (l *lastSeen) observe(userID string, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if ts.After(l.times[userID]) {
		l.times[userID] = ts
	}
}

// FetchInactive scans every text channel back to days ago, records the
// members who didn't post in that window, and syncs the active member
// role against the activity threshold.
func (m *InactivityManager) FetchInactive(ctx context.Context, days int) (InactivityReport, error) {
	m.scanning.Lock()
	defer m.scanning.Unlock()

	start := m.now()
	report := InactivityReport{Since: start.AddDate(0, 0, -days)}
	logger := loggerFrom(ctx, m.logger).With("days", days)
	logger.InfoContext(ctx, "scanning for inactive members")

	channels, err := m.session.GuildChannels(m.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return report, fmt.Errorf("error fetching channels: %w", err)
	}

	seen := &lastSeen{times: map[string]time.Time{}}
	var failed int
	var failedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.config.InactivityScanWorkers))
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		report.ChannelsScanned++
		g.Go(
			func() error {
				if scanErr := m.scanChannel(gctx, ch.ID, report.Since, seen); scanErr != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					// usually missing permissions for the channel
					logger.WarnContext(gctx, "error scanning channel", "channel_id", ch.ID, tint.Err(scanErr))
					failedMu.Lock()
					failed++
					failedMu.Unlock()
				}
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return report, err
	}
	report.ChannelsFailed = failed
	report.MessagesSeen = seen.count

	members, err := m.guildMembers(ctx)
	if err != nil {
		return report, err
	}
	report.Members = len(members)

	inactive := make([]InactiveMember, 0)
	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		if _, ok := seen.times[member.User.ID]; ok {
			continue
		}
		inactive = append(inactive, newInactiveMember(member))
	}
	report.Inactive = len(inactive)
	if err = ReplaceInactive(ctx, m.db, inactive); err != nil {
		return report, fmt.Errorf("error saving inactive members: %w", err)
	}

	report.RolesAdded, report.RolesRemoved = m.syncActiveRole(ctx, members, seen.times, start)
	report.Elapsed = m.now().Sub(start)
	logger.InfoContext(ctx, "inactivity scan finished", "report", report)
	return report, nil
}

func newInactiveMember(member *discordgo.Member) InactiveMember {
	im := InactiveMember{
		MemberID:      member.User.ID,
		Username:      member.User.Username,
		Discriminator: member.User.Discriminator,
	}
	if !member.JoinedAt.IsZero() {
		im.JoinedAt = member.JoinedAt.UnixMilli()
	}
	if created, err := discordgo.SnowflakeTimestamp(member.User.ID); err == nil {
		im.AccountCreatedAt = created.UnixMilli()
	}
	return im
}

// scanChannel pages backwards through the channel history until a
// message older than since is found.
func (m *InactivityManager) scanChannel(
	ctx context.Context,
	channelID string,
	since time.Time,
	seen *lastSeen,
) error {
	before := ""
	for {
		messages, err := m.session.ChannelMessages(
			channelID,
			discordMessagePageSize,
			before,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if msg.Timestamp.Before(since) {
				return nil
			}
			if msg.Author != nil {
				seen.observe(msg.Author.ID, msg.Timestamp)
			}
		}
		if len(messages) < discordMessagePageSize {
			return nil
		}
		before = messages[len(messages)-1].ID
	}
}

func (m *InactivityManager) guildMembers(ctx context.Context) ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		page, err := m.session.GuildMembers(m.guildID, after, discordMemberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("error fetching members: %w", err)
		}
		members = append(members, page...)
		if len(page) < discordMemberPageSize {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// syncActiveRole grants the active member role to members who posted
// within the activity threshold, and removes it from everyone else.
func (m *InactivityManager) syncActiveRole(
	ctx context.Context,
	members []*discordgo.Member,
	seen map[string]time.Time,
	now time.Time,
) (added int, removed int) {
	roleID := m.config.ActiveMemberRoleID
	if roleID == "" {
		return 0, 0
	}
	logger := loggerFrom(ctx, m.logger)
	threshold := now.Add(-m.config.ActivityThreshold)

	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		last, ok := seen[member.User.ID]
		active := ok && last.After(threshold)
		hasRole := false
		for _, r := range member.Roles {
			if r == roleID {
				hasRole = true
				break
			}
		}

		switch {
		case active && !hasRole:
			if err := m.session.GuildMemberRoleAdd(
				m.guildID,
				member.User.ID,
				roleID,
				discordgo.WithContext(ctx),
			); err != nil {
				logger.WarnContext(ctx, "error adding active role", "user_id", member.User.ID, tint.Err(err))
				continue
			}
			added++
		case !active && hasRole:
			if err := m.session.GuildMemberRoleRemove(
				m.guildID,
				member.User.ID,
				roleID,
				discordgo.WithContext(ctx),
			); err != nil {
				logger.WarnContext(ctx, "error removing active role", "user_id", member.User.ID, tint.Err(err))
				continue
			}
			removed++
		}
	}
	return added, removed
}

// KickInactive kicks up to n randomly chosen inactive members, then
// clears the stored list. Returns the number of members kicked.
func (m *InactivityManager) KickInactive(ctx context.Context, n int) (int, error) {
	logger := loggerFrom(ctx, m.logger)
	members, err := ListInactive(ctx, m.db.DB())
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, ErrNoInactiveMembers
	}

	kicked := 0
	for _, idx := range rand.Perm(len(members)) {
		if kicked >= n {
			break
		}
		member := members[idx]
		if err = m.session.GuildMemberDeleteWithReason(
			m.guildID,
			member.MemberID,
			kickReason,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.WarnContext(ctx, "error kicking member", "user_id", member.MemberID, tint.Err(err))
			continue
		}
		logger.InfoContext(ctx, "kicked inactive member", "user_id", member.MemberID, "username", member.Username)
		kicked++
	}

	if err = ClearInactive(ctx, m.db); err != nil {
		return kicked, fmt.Errorf("error clearing inactive members: %w", err)
	}
	return kicked, nil
}

// Run scans immediately, then every interval, until ctx is done.
func (m *InactivityManager) Run(ctx context.Context, days int, interval time.Duration) {
	if interval <= 0 {
		m.logger.InfoContext(ctx, "periodic inactivity scan disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.FetchInactive(ctx, days); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "periodic inactivity scan failed", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// mentionChunks joins mentions with spaces into messages of at most
// limit characters, never splitting a mention.
func mentionChunks(mentions []string, limit int) []string {
	var chunks []string
	var current strings.Builder
	for _, mention := range mentions {
		if current.Len() > 0 && current.Len()+1+len(mention) > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(mention)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func (b *Bot) isOwner(userID string) bool {
	return userID != "" && userID == b.config.Discord.OwnerID
}

func (b *Bot) commandFetchInactive(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	days := b.config.Community.InactivityWindowDays
	if opt, ok := discordInteractionOptions(i)[commandOptionDays]; ok {
		days = int(opt.IntValue())
	}
	if days < 1 {
		return "", fmt.Errorf("invalid days: %d", days)
	}
	if _, err := b.inactivity.FetchInactive(ctx, days); err != nil {
		return "", err
	}
	return messageInactiveFetched, nil
}

func (b *Bot) commandMentionInactive(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	members, err := ListInactive(ctx, b.db)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return messageInactiveNotFetched, nil
	}
	mentions := make([]string, 0, len(members))
	for _, m := range members {
		mentions = append(mentions, m.Mention())
	}
	for _, chunk := range mentionChunks(mentions, discordMaxMessageLength) {
		if _, err = b.discord.session.ChannelMessageSend(
			i.ChannelID,
			chunk,
			discordgo.WithContext(ctx),
		); err != nil {
			return "", fmt.Errorf("error sending mentions: %w", err)
		}
	}
	return messageInactiveMentioned, nil
}

func (b *Bot) commandKickInactive(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	opt, ok := discordInteractionOptions(i)[commandOptionNumber]
	if !ok {
		return "", errors.New("missing number option")
	}
	n := int(opt.IntValue())
	kicked, err := b.inactivity.KickInactive(ctx, n)
	if errors.Is(err, ErrNoInactiveMembers) {
		return messageInactiveNotFetched, nil
	}
	if err != nil && kicked == 0 {
		return "", err
	}
	if err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error after kicking members", tint.Err(err))
	}
	return strconv.Itoa(kicked) + " inactive users have been kicked.", nil
}
