package tmgbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ReminderTimeLayout is the format users (and the answer model) give
// reminder times in, interpreted in the configured timezone.
const ReminderTimeLayout = "2006-01-02 15:04"

var (
	columnReminderNextRun = "next_run"
	columnReminderGuildID = "guild_id"
	columnReminderRuns    = "runs"
	columnReminderLastRun = "last_run"
)

// Repeat is how often a reminder recurs.
type Repeat string

const (
	RepeatNone    Repeat = "none"
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
	RepeatYearly  Repeat = "yearly"
)

// ParseRepeat parses a repeat value. An empty string means [RepeatNone].
func ParseRepeat(s string) (Repeat, error) {
	r := Repeat(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case "":
		return RepeatNone, nil
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRepeat, s)
	}
}

// spanish returns the repeat as shown to users
func (r Repeat) spanish() string {
	switch r {
	case RepeatDaily:
		return "todos los días"
	case RepeatWeekly:
		return "todas las semanas"
	case RepeatMonthly:
		return "todos los meses"
	case RepeatYearly:
		return "todos los años"
	default:
		return "una vez"
	}
}

// Reminder is a scheduled message, sent to ChannelID mentioning
// CreatorID. Recurring reminders are rescheduled from Anchor (their
// first occurrence), so monthly reminders created on the 31st stay on
// the last day of shorter months.
//
//nolint:lll // struct tags can't be split
type Reminder struct {
	ModelUintID
	ModelUnixTime

	Description string `json:"description" gorm:"type:string;not null"`
	GuildID     string `json:"guild_id" gorm:"type:string;index"`
	ChannelID   string `json:"channel_id" gorm:"type:string;not null"`
	CreatorID   string `json:"creator_id" gorm:"type:string;not null"`

	// Anchor is the first occurrence, as a unix millisecond timestamp
	Anchor int64 `json:"anchor" gorm:"not null"`

	// NextRun is the next occurrence, as a unix millisecond timestamp
	NextRun int64  `json:"next_run" gorm:"not null;index"`
	Repeat  Repeat `json:"repeat" gorm:"type:string;not null;default:none"`
	Runs    int    `json:"runs" gorm:"not null;default:0"`
	LastRun *int64 `json:"last_run,omitempty"`
}

func (Reminder) TableName() string {
	return "reminders"
}

func (r Reminder) AnchorTime() time.Time {
	return time.UnixMilli(r.Anchor)
}

func (r Reminder) NextRunTime() time.Time {
	return time.UnixMilli(r.NextRun)
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("channel_id", r.ChannelID),
		slog.String("creator_id", r.CreatorID),
		slog.String("repeat", string(r.Repeat)),
		slog.Time("next_run", r.NextRunTime()),
		slog.Int("runs", r.Runs),
	)
}

// ParseReminderTime parses s as [ReminderTimeLayout] in loc.
func ParseReminderTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(ReminderTimeLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidReminderTime, s)
	}
	return t, nil
}

// addMonthsClamped adds months to t by calendar, clamping the day to the
// last day of the resulting month.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	total := int(month) - 1 + months
	year += total / 12
	total %= 12
	if total < 0 {
		total += 12
		year--
	}
	target := time.Month(total + 1)
	// day 0 of the following month is the last day of target
	lastDay := time.Date(year, target+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(year, target, min(day, lastDay), hour, minute, sec, t.Nanosecond(), t.Location())
}

// occurrence returns the n-th occurrence (0 is the anchor itself)
func occurrence(anchor time.Time, repeat Repeat, n int) time.Time {
	switch repeat {
	case RepeatDaily:
		return anchor.AddDate(0, 0, n)
	case RepeatWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case RepeatMonthly:
		return addMonthsClamped(anchor, n)
	case RepeatYearly:
		return addMonthsClamped(anchor, 12*n)
	default:
		return anchor
	}
}

// Next returns the first occurrence of a reminder anchored at anchor that
// is strictly after 'after'. Non-recurring reminders only occur at the
// anchor, so ok is false once it has passed. Calendar arithmetic happens
// in anchor's location.
func Next(anchor time.Time, repeat Repeat, after time.Time) (next time.Time, ok bool) {
	if anchor.After(after) {
		return anchor, true
	}
	var estimate int
	switch repeat {
	case RepeatDaily:
		estimate = int(after.Sub(anchor) / (24 * time.Hour))
	case RepeatWeekly:
		estimate = int(after.Sub(anchor) / (7 * 24 * time.Hour))
	case RepeatMonthly, RepeatYearly:
		a := after.In(anchor.Location())
		estimate = (a.Year()-anchor.Year())*12 + int(a.Month()) - int(anchor.Month())
		if repeat == RepeatYearly {
			estimate /= 12
		}
	default:
		return time.Time{}, false
	}

	// the estimate may be off by one around DST changes and month ends
	for n := max(estimate-1, 1); ; n++ {
		if t := occurrence(anchor, repeat, n); t.After(after) {
			return t, true
		}
	}
}

// newReminder validates and builds a reminder first occurring at runAt.
func newReminder(
	description, guildID, channelID, creatorID string,
	runAt time.Time,
	repeat Repeat,
	now time.Time,
) (*Reminder, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.New("reminder description is empty")
	}
	if _, err := ParseRepeat(string(repeat)); err != nil {
		return nil, err
	}
	if repeat == "" {
		repeat = RepeatNone
	}
	if !runAt.After(now) {
		return nil, ErrReminderInPast
	}
	return &Reminder{
		Description: description,
		GuildID:     guildID,
		ChannelID:   channelID,
		CreatorID:   creatorID,
		Anchor:      runAt.UnixMilli(),
		NextRun:     runAt.UnixMilli(),
		Repeat:      repeat,
	}, nil
}

// CreateReminder parses runAt in loc, validates and saves a new reminder.
func CreateReminder(
	ctx context.Context,
	db DBI,
	loc *time.Location,
	now time.Time,
	description, guildID, channelID, creatorID, runAt string,
	repeat Repeat,
) (*Reminder, error) {
	t, err := ParseReminderTime(runAt, loc)
	if err != nil {
		return nil, err
	}
	reminder, err := newReminder(description, guildID, channelID, creatorID, t, repeat, now)
	if err != nil {
		return nil, err
	}
	if _, err = db.Create(ctx, reminder); err != nil {
		return nil, fmt.Errorf("error saving reminder: %w", err)
	}
	return reminder, nil
}

// ListReminders returns the pending reminders, soonest first. An empty
// guildID lists every guild's reminders.
func ListReminders(ctx context.Context, db *gorm.DB, guildID string) ([]Reminder, error) {
	var reminders []Reminder
	q := db.WithContext(ctx).Order(columnReminderNextRun + " asc")
	if guildID != "" {
		q = q.Where(columnReminderGuildID+" = ?", guildID)
	}
	if err := q.Find(&reminders).Error; err != nil {
		return nil, err
	}
	return reminders, nil
}

// DeleteReminder deletes the reminder with the given ID, returning it.
func DeleteReminder(ctx context.Context, db DBI, id uint) (*Reminder, error) {
	var reminder Reminder
	if err := db.DB().WithContext(ctx).Take(&reminder, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: #%d", ErrReminderNotFound, id)
		}
		return nil, err
	}
	if _, err := db.Delete(ctx, &reminder); err != nil {
		return nil, err
	}
	return &reminder, nil
}

// CancelReminder deletes a reminder on behalf of requesterID, who must be
// either its creator or the owner.
func CancelReminder(ctx context.Context, db DBI, id uint, requesterID, ownerID string) (*Reminder, error) {
	var reminder Reminder
	if err := db.DB().WithContext(ctx).Take(&reminder, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: #%d", ErrReminderNotFound, id)
		}
		return nil, err
	}
	if requesterID != reminder.CreatorID && requesterID != ownerID {
		return nil, ErrNotOwner
	}
	if _, err := db.Delete(ctx, &reminder); err != nil {
		return nil, err
	}
	return &reminder, nil
}

// scheduleReminder creates a reminder and wakes the scheduler.
func (b *Bot) scheduleReminder(
	ctx context.Context,
	description, guildID, channelID, creatorID, runAt string,
	repeat Repeat,
) (*Reminder, error) {
	reminder, err := CreateReminder(
		ctx,
		b.writeDB,
		b.location,
		b.now(),
		description,
		guildID,
		channelID,
		creatorID,
		runAt,
		repeat,
	)
	if err != nil {
		return nil, err
	}
	loggerFrom(ctx, b.logger).InfoContext(ctx, "scheduled reminder", "reminder", reminder)
	b.notifier.RemindersChanged(ctx)
	return reminder, nil
}

func (b *Bot) cancelReminder(ctx context.Context, id uint, requesterID string) (*Reminder, error) {
	reminder, err := CancelReminder(ctx, b.writeDB, id, requesterID, b.config.Discord.OwnerID)
	if err != nil {
		return nil, err
	}
	loggerFrom(ctx, b.logger).InfoContext(ctx, "canceled reminder", "reminder", reminder)
	b.notifier.RemindersChanged(ctx)
	return reminder, nil
}

func reminderScheduledMessage(r Reminder, loc *time.Location) string {
	return fmt.Sprintf(
		"⏰ Recordatorio #%d programado para el %s (%s), %s.",
		r.ID,
		r.NextRunTime().In(loc).Format(ReminderTimeLayout),
		loc.String(),
		r.Repeat.spanish(),
	)
}

func reminderFiredMessage(r Reminder) string {
	return fmt.Sprintf("⏰ Recordatorio para <@%s>: %s", r.CreatorID, r.Description)
}

// reminderErrorMessage describes err to the user
func reminderErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidReminderTime):
		return "la fecha debe tener el formato AAAA-MM-DD HH:MM."
	case errors.Is(err, ErrReminderInPast):
		return "esa fecha ya pasó."
	case errors.Is(err, ErrInvalidRepeat):
		return "la repetición debe ser none, daily, weekly, monthly o yearly."
	default:
		return "ocurrió un error inesperado."
	}
}

// ReminderScheduler fires due reminders. It sleeps until the earliest
// pending reminder (or PollInterval, whichever is sooner), and wakes
// early when signaled that reminders changed.
type ReminderScheduler struct {
	db           DBI
	loc          *time.Location
	pollInterval time.Duration
	logger       *slog.Logger
	wake         <-chan struct{}
	now          func() time.Time

	// fire delivers a due reminder
	fire func(ctx context.Context, r Reminder) error
}

func newReminderScheduler(
	db DBI,
	config *ReminderConfig,
	loc *time.Location,
	wake <-chan struct{},
	handler slog.Handler,
	fire func(ctx context.Context, r Reminder) error,
) *ReminderScheduler {
	return &ReminderScheduler{
		db:           db,
		loc:          loc,
		pollInterval: config.PollInterval,
		logger:       slog.New(handler).With(loggerNameKey, "scheduler"),
		wake:         wake,
		now:          time.Now,
		fire:         fire,
	}
}

// Run blocks until ctx is canceled.
func (s *ReminderScheduler) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "starting reminder scheduler", "poll_interval", s.pollInterval)
	for {
		fired, held := s.runDue(ctx)
		if fired > 0 {
			s.logger.InfoContext(ctx, "fired reminders", "count", fired)
		}

		// held reminders are still due, so only the poll interval (or
		// a wake signal) can end the wait
		wait := s.pollInterval
		if next, ok := s.nextRun(ctx); ok && !held {
			wait = max(min(next.Sub(s.now()), wait), 0)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "stopping reminder scheduler")
			return
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
			s.logger.DebugContext(ctx, "scheduler woken")
		}
	}
}

// nextRun returns the earliest pending occurrence
func (s *ReminderScheduler) nextRun(ctx context.Context) (time.Time, bool) {
	var reminder Reminder
	err := s.db.DB().WithContext(ctx).Order(columnReminderNextRun + " asc").Take(&reminder).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "error finding next reminder", tint.Err(err))
		}
		return time.Time{}, false
	}
	return reminder.NextRunTime(), true
}

// runDue fires every reminder due by now, once, and reschedules or
// deletes it. Overdue recurring reminders skip to their next future
// occurrence instead of firing once per missed occurrence.
// While reminders are disabled, due reminders are left untouched and
// held is true.
func (s *ReminderScheduler) runDue(ctx context.Context) (fired int, held bool) {
	now := s.now()
	var due []Reminder
	if err := s.db.DB().WithContext(ctx).
		Where(columnReminderNextRun+" <= ?", now.UnixMilli()).
		Order(columnReminderNextRun + " asc").
		Find(&due).Error; err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "error finding due reminders", tint.Err(err))
		}
		return 0, false
	}

	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		logger := s.logger.With("reminder", r)
		err := s.fire(ctx, r)
		switch {
		case errors.Is(err, ErrRemindersDisabled):
			s.logger.DebugContext(ctx, "reminders disabled, holding due reminders", "count", len(due))
			return fired, true
		case err != nil:
			logger.ErrorContext(ctx, "error firing reminder", tint.Err(err))
		default:
			fired++
		}

		next, ok := Next(r.AnchorTime().In(s.loc), r.Repeat, now)
		if !ok {
			if _, err := s.db.Delete(ctx, &r); err != nil {
				logger.ErrorContext(ctx, "error deleting reminder", tint.Err(err))
			}
			continue
		}
		lastRun := now.UnixMilli()
		if _, err := s.db.Updates(
			ctx,
			&r,
			map[string]any{
				columnReminderNextRun: next.UnixMilli(),
				columnReminderRuns:    r.Runs + 1,
				columnReminderLastRun: lastRun,
			},
		); err != nil {
			logger.ErrorContext(ctx, "error rescheduling reminder", tint.Err(err))
			continue
		}
		logger.InfoContext(ctx, "rescheduled reminder", "next_run", next)
	}
	return fired, false
}

// fireReminder sends the reminder to its channel and records it in the
// transcript.
func (b *Bot) fireReminder(ctx context.Context, r Reminder) error {
	if !b.RuntimeConfig().RemindersEnabled {
		return ErrRemindersDisabled
	}
	content := reminderFiredMessage(r)
	if _, err := b.discord.session.ChannelMessageSend(r.ChannelID, content); err != nil {
		return err
	}
	if _, err := b.transcript.AppendSpecial(TurnKindReminder, content, nil); err != nil {
		return err
	}
	return nil
}
