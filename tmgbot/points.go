package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnHelperPointsMemberID = "member_id"
	columnHelperPointsPoints   = "points"
)

// HelperPoints is the thankfulness score of a helper.
type HelperPoints struct {
	MemberID  string `gorm:"primaryKey;type:string" json:"member_id"`
	Points    int    `gorm:"not null;default:0" json:"points"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (HelperPoints) TableName() string {
	return "helper_points"
}

// AddPoints adds delta to the member's points, creating the row if
// needed. Points never go below zero. Returns the new total.
func AddPoints(ctx context.Context, db DBI, memberID string, delta int) (int, error) {
	var total int
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row := HelperPoints{MemberID: memberID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Where(columnHelperPointsMemberID+" = ?", memberID).Take(&row).Error; err != nil {
				return err
			}
			total = max(0, row.Points+delta)
			return tx.Model(&row).Update(columnHelperPointsPoints, total).Error
		},
	)
	return total, err
}

// GetPoints returns the member's points. found is false when the member
// has never been thanked or sanctioned.
func GetPoints(ctx context.Context, db *gorm.DB, memberID string) (points int, found bool, err error) {
	var row HelperPoints
	err = db.WithContext(ctx).Where(columnHelperPointsMemberID+" = ?", memberID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Points, true, nil
}

// Leaderboard returns every helper's points, highest first.
func Leaderboard(ctx context.Context, db *gorm.DB) ([]HelperPoints, error) {
	var rows []HelperPoints
	err := db.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: columnHelperPointsPoints}, Desc: true}).
		Order(columnHelperPointsMemberID).
		Find(&rows).Error
	return rows, err
}

// DeleteMemberPoints removes the member's row, if any.
func DeleteMemberPoints(ctx context.Context, db DBI, memberID string) (int64, error) {
	return db.Delete(ctx, &HelperPoints{}, columnHelperPointsMemberID+" = ?", memberID)
}

func formatLeaderboard(rows []HelperPoints) string {
	if len(rows) == 0 {
		return "Aún ningún ayudante ha recibido agradecimientos."
	}
	lines := make([]string, 0, len(rows))
	for i, row := range rows {
		lines = append(lines, fmt.Sprintf("%d. <@%s>: %d", i+1, row.MemberID, row.Points))
	}
	return strings.Join(lines, "\n")
}

// memberHasRolePrefix reports whether member has a role whose name starts
// with prefix. roles are the guild's roles, since members only carry IDs.
func memberHasRolePrefix(member *discordgo.Member, roles []*discordgo.Role, prefix string) bool {
	if member == nil || prefix == "" {
		return false
	}
	names := make(map[string]string, len(roles))
	for _, r := range roles {
		names[r.ID] = r.Name
	}
	for _, id := range member.Roles {
		if strings.HasPrefix(names[id], prefix) {
			return true
		}
	}
	return false
}

// resolvedMember returns the member passed as a user option, from the
// resolved data of the interaction, falling back to the API.
func (b *Bot) resolvedMember(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.Member, error) {
	userID, ok := opt.Value.(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("invalid user option %q", opt.Name)
	}
	data := i.ApplicationCommandData()
	if data.Resolved != nil {
		if m, found := data.Resolved.Members[userID]; found && m != nil {
			member := *m
			if member.User == nil {
				member.User = data.Resolved.Users[userID]
			}
			if member.User == nil {
				member.User = &discordgo.User{ID: userID}
			}
			return &member, nil
		}
	}
	return b.discord.session.GuildMember(i.GuildID, userID, discordgo.WithContext(ctx))
}

// thank gives a point to target on behalf of author
func (b *Bot) thank(ctx context.Context, author, target *discordgo.Member) (string, error) {
	if author.User.ID == target.User.ID {
		return "No puedes agradecerte a ti mismo.", ErrSelfAction
	}
	roles, err := b.discord.session.GuildRoles(b.config.Discord.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error fetching roles: %w", err)
	}
	if !memberHasRolePrefix(target, roles, b.config.Community.HelperRolePrefix) {
		return "Solo puedes agradecer a ayudantes.", ErrNotHelper
	}
	if _, err = AddPoints(ctx, b.writeDB, target.User.ID, 1); err != nil {
		return "", fmt.Errorf("error adding points: %w", err)
	}
	return fmt.Sprintf("%s agradeció a %s.", author.Mention(), target.Mention()), nil
}

// sanction takes a point from target. Only representatives may do this.
func (b *Bot) sanction(ctx context.Context, author, target *discordgo.Member) (string, error) {
	if author.User.ID == target.User.ID {
		return "No puedes sancionarte a ti mismo.", ErrSelfAction
	}
	roles, err := b.discord.session.GuildRoles(b.config.Discord.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error fetching roles: %w", err)
	}
	if !memberHasRolePrefix(author, roles, b.config.Community.RepresentativeRolePrefix) {
		return "Solo los representantes pueden sancionar.", ErrNotRepresentative
	}
	if !memberHasRolePrefix(target, roles, b.config.Community.HelperRolePrefix) {
		return "Solo puedes sancionar a ayudantes.", ErrNotHelper
	}
	if _, err = AddPoints(ctx, b.writeDB, target.User.ID, -1); err != nil {
		return "", fmt.Errorf("error removing points: %w", err)
	}
	return fmt.Sprintf("%s sancionó a %s.", author.Mention(), target.Mention()), nil
}

func (b *Bot) pointsOf(ctx context.Context, target *discordgo.Member) (string, error) {
	points, found, err := GetPoints(ctx, b.db, target.User.ID)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("%s no tiene puntos de agradecimiento.", target.Mention()), nil
	}
	return fmt.Sprintf("%s tiene %d puntos de agradecimiento.", target.Mention(), points), nil
}

// commandPointsChange handles /agradecer and /sancionar, which share options.
func (b *Bot) commandPointsChange(
	action func(context.Context, *discordgo.Member, *discordgo.Member) (string, error),
) commandHandler {
	return func(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
		opts := discordInteractionOptions(i)
		opt, ok := opts[commandOptionMember]
		if !ok {
			return "", errors.New("missing member option")
		}
		target, err := b.resolvedMember(ctx, i, opt)
		if err != nil {
			return "", err
		}
		if i.Member == nil {
			return "", errors.New("command used outside of a guild")
		}
		content, err := action(ctx, i.Member, target)
		switch {
		case errors.Is(err, ErrSelfAction), errors.Is(err, ErrNotHelper), errors.Is(err, ErrNotRepresentative):
			loggerFrom(ctx, b.logger).InfoContext(ctx, "points change refused", "reason", err)
			return content, nil
		default:
			return content, err
		}
	}
}

func (b *Bot) commandPoints(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
	opt, ok := discordInteractionOptions(i)[commandOptionMember]
	if !ok {
		return "", errors.New("missing member option")
	}
	target, err := b.resolvedMember(ctx, i, opt)
	if err != nil {
		return "", err
	}
	return b.pointsOf(ctx, target)
}

func (b *Bot) commandAllPoints(ctx context.Context, _ *discordgo.InteractionCreate) (string, error) {
	rows, err := Leaderboard(ctx, b.db)
	if err != nil {
		return "", err
	}
	return formatLeaderboard(rows), nil
}
