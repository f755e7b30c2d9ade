package tmgbot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMentionChunks(t *testing.T) {
	assert.Nil(t, mentionChunks(nil, 10))
	assert.Equal(t, []string{"<@1> <@2>"}, mentionChunks([]string{"<@1>", "<@2>"}, 9))
	assert.Equal(t, []string{"<@1>", "<@2>"}, mentionChunks([]string{"<@1>", "<@2>"}, 8))

	mentions := make([]string, 0, 500)
	for i := range 500 {
		mentions = append(mentions, fmt.Sprintf("<@%018d>", i))
	}
	chunks := mentionChunks(mentions, discordMaxMessageLength)
	require.Greater(t, len(chunks), 1)
	var total int
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), discordMaxMessageLength)
		total += len(strings.Fields(chunk))
	}
	assert.Equal(t, len(mentions), total)
}

func inactivityTestSession(now time.Time) *mockDiscordSession {
	session := newMockDiscordSession()
	session.Channels = []*discordgo.Channel{
		{ID: "general", Type: discordgo.ChannelTypeGuildText},
		{ID: "voice", Type: discordgo.ChannelTypeGuildVoice},
		{ID: "news", Type: discordgo.ChannelTypeGuildNews},
	}
	session.Messages["general"] = []*discordgo.Message{
		{ID: "g3", Author: &discordgo.User{ID: "active"}, Timestamp: now.Add(-time.Hour)},
		{ID: "g2", Author: &discordgo.User{ID: "lapsed"}, Timestamp: now.AddDate(0, 0, -10)},
		{ID: "g1", Author: &discordgo.User{ID: "gone"}, Timestamp: now.AddDate(0, 0, -60)},
	}
	session.Messages["news"] = []*discordgo.Message{
		{ID: "n1", Author: &discordgo.User{ID: "announcer"}, Timestamp: now.AddDate(0, 0, -2)},
	}
	session.Members = []*discordgo.Member{
		{User: &discordgo.User{ID: "active", Username: "active"}},
		{User: &discordgo.User{ID: "lapsed", Username: "lapsed"}, Roles: []string{"role-active"}},
		{User: &discordgo.User{ID: "announcer", Username: "announcer"}},
		{User: &discordgo.User{ID: "gone", Username: "gone"}, Roles: []string{"role-active"}},
		{User: &discordgo.User{ID: "lurker", Username: "lurker"}, JoinedAt: now.AddDate(-1, 0, 0)},
		{User: &discordgo.User{ID: "a-bot", Bot: true}},
	}
	return session
}

func newTestInactivityManager(t *testing.T, session *mockDiscordSession, now time.Time) (*InactivityManager, DBI) {
	t.Helper()
	_, db := newTestDB(t)
	cfg := DefaultConfig().Community
	cfg.ActiveMemberRoleID = "role-active"
	cfg.ActivityThreshold = 7 * 24 * time.Hour
	m := newInactivityManager(session, db, testGuildID, cfg, discardHandler())
	m.now = func() time.Time { return now }
	return m, db
}

func TestInactivityManager_FetchInactive(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	session := inactivityTestSession(now)
	m, db := newTestInactivityManager(t, session, now)
	ctx := context.Background()

	report, err := m.FetchInactive(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ChannelsScanned)
	assert.Equal(t, 0, report.ChannelsFailed)
	assert.Equal(t, 3, report.MessagesSeen)
	assert.Equal(t, 6, report.Members)
	assert.Equal(t, 2, report.Inactive)
	assert.Equal(t, now.AddDate(0, 0, -30), report.Since)

	inactive, err := ListInactive(ctx, db.DB())
	require.NoError(t, err)
	var ids []string
	for _, member := range inactive {
		ids = append(ids, member.MemberID)
	}
	assert.Equal(t, []string{"gone", "lurker"}, ids)
	assert.Equal(t, now.AddDate(-1, 0, 0).UnixMilli(), inactive[1].JoinedAt)

	// active and announcer posted within the threshold, lapsed and gone
	// lose the role
	assert.Equal(t, 2, report.RolesAdded)
	assert.Equal(t, 2, report.RolesRemoved)
	assert.ElementsMatch(t, []string{"active", "announcer"}, session.RolesAdded)
	assert.ElementsMatch(t, []string{"lapsed", "gone"}, session.RolesGone)

	// a new scan replaces the stored list
	session.Messages["general"] = append(
		[]*discordgo.Message{{ID: "g4", Author: &discordgo.User{ID: "lurker"}, Timestamp: now}},
		session.Messages["general"]...,
	)
	report, err = m.FetchInactive(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inactive)
	inactive, err = ListInactive(ctx, db.DB())
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "gone", inactive[0].MemberID)
}

func TestInactivityManager_KickInactive(t *testing.T) {
	now := time.Now()
	session := inactivityTestSession(now)
	m, db := newTestInactivityManager(t, session, now)
	ctx := context.Background()

	_, err := m.KickInactive(ctx, 1)
	require.ErrorIs(t, err, ErrNoInactiveMembers)

	require.NoError(
		t,
		ReplaceInactive(
			ctx,
			db,
			[]InactiveMember{{MemberID: "a"}, {MemberID: "b"}, {MemberID: "c"}},
		),
	)

	kicked, err := m.KickInactive(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, kicked)
	assert.Len(t, session.Kicked, 2)
	assert.NotEqual(t, session.Kicked[0], session.Kicked[1])
	assert.Subset(t, []string{"a", "b", "c"}, session.Kicked)

	// the list is cleared after kicking, even if fewer were kicked
	remaining, err := ListInactive(ctx, db.DB())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestBot_InactivityCommands(t *testing.T) {
	b, session, _ := newTestBot(t)
	ctx := context.Background()
	owner := &discordgo.Member{User: &discordgo.User{ID: testOwnerID}}
	member := &discordgo.Member{User: &discordgo.User{ID: "user-1"}}

	fresh := inactivityTestSession(time.Now())
	session.Channels = fresh.Channels
	session.Messages = fresh.Messages
	session.Members = fresh.Members

	b.handleInteraction(ctx, commandInteraction(DiscordSlashCommandFetchInactive, member))
	session.mu.Lock()
	require.Len(t, session.Responses, 1)
	refusal := session.Responses[0]
	session.mu.Unlock()
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, refusal.Type)
	assert.Equal(t, messageNoPermission, refusal.Data.Content)

	b.handleInteraction(ctx, commandInteraction(DiscordSlashCommandMentionInactive, owner))
	assert.Equal(t, messageInactiveNotFetched, lastEdit(t, session))

	b.handleInteraction(
		ctx,
		commandInteraction(
			DiscordSlashCommandFetchInactive,
			owner,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  commandOptionDays,
				Type:  discordgo.ApplicationCommandOptionInteger,
				Value: float64(30),
			},
		),
	)
	assert.Equal(t, messageInactiveFetched, lastEdit(t, session))

	b.handleInteraction(ctx, commandInteraction(DiscordSlashCommandMentionInactive, owner))
	assert.Equal(t, messageInactiveMentioned, lastEdit(t, session))
	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "<@gone> <@lurker>", sent[0].Content)

	b.handleInteraction(
		ctx,
		commandInteraction(
			DiscordSlashCommandKickInactive,
			owner,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  commandOptionNumber,
				Type:  discordgo.ApplicationCommandOptionInteger,
				Value: float64(5),
			},
		),
	)
	assert.Equal(t, "2 inactive users have been kicked.", lastEdit(t, session))
	assert.ElementsMatch(t, []string{"gone", "lurker"}, session.Kicked)
}
