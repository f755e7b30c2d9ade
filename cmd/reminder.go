package cmd

import (
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/spf13/cobra"
)

var (
	reminderChannelID string
	reminderCreatorID string
	reminderRepeat    string
	reminderAllGuilds bool
)

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Manage reminders",
}

var reminderAddCmd = &cobra.Command{
	Use:   "add <YYYY-MM-DD HH:MM> <description>",
	Short: "Schedule a reminder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		loc, err := cfg.Reminders.Location()
		if err != nil {
			return err
		}
		repeat, err := tmgbot.ParseRepeat(reminderRepeat)
		if err != nil {
			return err
		}
		creatorID := reminderCreatorID
		if creatorID == "" {
			creatorID = cfg.Discord.OwnerID
		}

		writeDB := tmgbot.NewDatabase(db, slog.Default(), cfg.DatabaseType != "sqlite")
		reminder, err := tmgbot.CreateReminder(
			ctx,
			writeDB,
			loc,
			time.Now(),
			args[1],
			cfg.Discord.GuildID,
			reminderChannelID,
			creatorID,
			args[0],
			repeat,
		)
		if err != nil {
			return err
		}

		notifier, err := tmgbot.NewDBNotifier(cfg.DatabaseType, cfg.Database, db, nil, slog.Default())
		if err != nil {
			return err
		}
		notifier.RemindersChanged(ctx)

		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Scheduled reminder #%d for %s\n",
			reminder.ID,
			reminder.NextRunTime().In(loc).Format(tmgbot.ReminderTimeLayout),
		)
		return nil
	},
}

var reminderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending reminders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		loc, err := cfg.Reminders.Location()
		if err != nil {
			return err
		}
		guildID := cfg.Discord.GuildID
		if reminderAllGuilds {
			guildID = ""
		}
		reminders, err := tmgbot.ListReminders(ctx, db, guildID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNEXT RUN\tREPEAT\tCHANNEL\tCREATOR\tDESCRIPTION")
		for _, r := range reminders {
			fmt.Fprintf(
				w,
				"%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.NextRunTime().In(loc).Format(tmgbot.ReminderTimeLayout),
				r.Repeat,
				r.ChannelID,
				r.CreatorID,
				r.Description,
			)
		}
		return w.Flush()
	},
}

var reminderDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid reminder id: %q", args[0])
		}
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		writeDB := tmgbot.NewDatabase(db, slog.Default(), cfg.DatabaseType != "sqlite")
		reminder, err := tmgbot.DeleteReminder(ctx, writeDB, uint(id))
		if err != nil {
			return err
		}

		notifier, err := tmgbot.NewDBNotifier(cfg.DatabaseType, cfg.Database, db, nil, slog.Default())
		if err != nil {
			return err
		}
		notifier.RemindersChanged(ctx)

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted reminder #%d: %s\n", reminder.ID, reminder.Description)
		return nil
	},
}

func init() {
	reminderAddCmd.Flags().StringVar(&reminderChannelID, "channel", "", "Channel to send the reminder to")
	reminderAddCmd.Flags().StringVar(&reminderCreatorID, "creator", "", "User ID credited as the creator (default: the owner)")
	reminderAddCmd.Flags().StringVar(&reminderRepeat, "repeat", "none", "none, daily, weekly, monthly or yearly")
	_ = reminderAddCmd.MarkFlagRequired("channel")

	reminderListCmd.Flags().BoolVar(&reminderAllGuilds, "all", false, "List reminders from every guild")

	reminderCmd.AddCommand(reminderAddCmd, reminderListCmd, reminderDeleteCmd)
	rootCmd.AddCommand(reminderCmd)
}
