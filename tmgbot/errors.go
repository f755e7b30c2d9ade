package tmgbot

import "errors"

var (
	ErrInvalidReminderTime = errors.New("invalid reminder time, expected 'YYYY-MM-DD HH:MM'")
	ErrInvalidRepeat       = errors.New("invalid repeat, expected one of: none, daily, weekly, monthly, yearly")
	ErrReminderInPast      = errors.New("reminder time is in the past")
	ErrReminderNotFound    = errors.New("reminder not found")
	ErrRemindersDisabled   = errors.New("reminders are disabled")

	ErrNotOwner          = errors.New("not allowed")
	ErrSelfAction        = errors.New("members can't target themselves")
	ErrNotHelper         = errors.New("member isn't a helper")
	ErrNotRepresentative = errors.New("member isn't a representative")

	ErrNoInactiveMembers = errors.New("no inactive members recorded")

	ErrJobTooOld  = errors.New("job too old")
	ErrQueueFull  = errors.New("queue full")
	ErrQueueEmpty = errors.New("queue empty")

	ErrDiagramInvalid = errors.New("invalid diagram")
	ErrPlotFunction   = errors.New("invalid plot function")
)
