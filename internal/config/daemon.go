package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ErrUnknownTrigger marks a daemon whose trigger kind is not in the closed set.
var ErrUnknownTrigger = errors.New("unknown trigger kind")

// ErrInvalidCondition marks a daemon whose condition cannot be evaluated.
var ErrInvalidCondition = errors.New("invalid trigger condition")

// TriggerKind is the closed set of daemon triggers.
type TriggerKind string

const (
	// Context-driven: evaluated on every log delta.
	TriggerStartup           TriggerKind = "on-startup"
	TriggerIdleMinutes       TriggerKind = "minutes-after-last-talk"
	TriggerContextPattern    TriggerKind = "context-pattern-exists"
	TriggerSummaryCounter    TriggerKind = "summary-counter-exceeded"
	TriggerExternalTalkCount TriggerKind = "external-talk-counter-exceeded"

	// Timer-driven: owned by the scheduler.
	TriggerOneShotMinutes TriggerKind = "one-shot-minutes"
	TriggerDailyTime      TriggerKind = "daily-time"
	TriggerDateTime       TriggerKind = "absolute-date-time"
)

// Known reports whether k is part of the closed set.
func (k TriggerKind) Known() bool {
	switch k {
	case TriggerStartup, TriggerIdleMinutes, TriggerContextPattern, TriggerSummaryCounter,
		TriggerExternalTalkCount, TriggerOneShotMinutes, TriggerDailyTime, TriggerDateTime:
		return true
	}
	return false
}

// Scheduled reports whether the trigger is backed by a scheduler task.
// The idle trigger is context-driven but realized as a resettable timer.
func (k TriggerKind) Scheduled() bool {
	switch k {
	case TriggerIdleMinutes, TriggerOneShotMinutes, TriggerDailyTime, TriggerDateTime:
		return true
	}
	return false
}

// TriggerCondition carries the parameters of every trigger kind; each kind reads its own fields.
type TriggerCondition struct {
	Class       string  `json:"class,omitempty"`
	Role        string  `json:"role,omitempty"`
	ContextLine string  `json:"contextLine,omitempty"`
	Minutes     float64 `json:"min,omitempty"`
	IsRepeatMin bool    `json:"isRepeatMin,omitempty"`
	Time        string  `json:"time,omitempty"`     // "HH:MM" or a 5-field cron expression
	DateTime    string  `json:"dateTime,omitempty"` // RFC 3339
	Threshold   int     `json:"threshold,omitempty"`
}

// DaemonTrigger decides when a daemon fires.
type DaemonTrigger struct {
	Kind      TriggerKind      `json:"kind"`
	Condition TriggerCondition `json:"condition"`
}

// DaemonAction decides what a fired daemon asks for.
type DaemonAction struct {
	Generator   string `json:"generator"`
	Template    string `json:"template,omitempty"` // {from} and {body} expand from the triggering message
	Direct      bool   `json:"direct,omitempty"`   // pass the triggering message through unchanged
	Class       string `json:"class,omitempty"`
	Role        string `json:"role,omitempty"`
	ContextLine string `json:"contextLine,omitempty"`
	SideChannel bool   `json:"sideChannel,omitempty"` // keep output off the main log
}

// DaemonDefinition is one named, enable-able trigger+action rule.
type DaemonDefinition struct {
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Enabled bool          `json:"enabled"`
	Trigger DaemonTrigger `json:"trigger"`
	Action  DaemonAction  `json:"action"`
}

// Validate checks the trigger kind and the fields that kind needs.
func (d DaemonDefinition) Validate() error {
	c := d.Trigger.Condition
	switch d.Trigger.Kind {
	case TriggerStartup, TriggerContextPattern:
		return nil
	case TriggerSummaryCounter, TriggerExternalTalkCount:
		if c.Threshold <= 0 {
			return fmt.Errorf("daemon %s: %w: threshold must be positive", d.ID, ErrInvalidCondition)
		}
		return nil
	case TriggerIdleMinutes, TriggerOneShotMinutes:
		if c.Minutes < 0 {
			return fmt.Errorf("daemon %s: %w: negative minutes", d.ID, ErrInvalidCondition)
		}
		if c.IsRepeatMin && c.Minutes == 0 {
			return fmt.Errorf("daemon %s: %w: repeat period must be positive", d.ID, ErrInvalidCondition)
		}
		return nil
	case TriggerDailyTime:
		if _, err := DailyExpr(c.Time); err != nil {
			return fmt.Errorf("daemon %s: %w", d.ID, err)
		}
		return nil
	case TriggerDateTime:
		if _, err := time.Parse(time.RFC3339, c.DateTime); err != nil {
			return fmt.Errorf("daemon %s: %w: %v", d.ID, ErrInvalidCondition, err)
		}
		return nil
	}
	return fmt.Errorf("daemon %s: %w %q", d.ID, ErrUnknownTrigger, d.Trigger.Kind)
}

// DailyExpr turns "HH:MM" into a cron expression; a valid 5-field cron
// expression is accepted unchanged.
func DailyExpr(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if h, m, ok := strings.Cut(spec, ":"); ok && !strings.Contains(spec, " ") {
		hour, err1 := strconv.Atoi(h)
		minute, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", fmt.Errorf("%w: bad daily time %q", ErrInvalidCondition, spec)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	g := gronx.New()
	if !g.IsValid(spec) {
		return "", fmt.Errorf("%w: bad cron expression %q", ErrInvalidCondition, spec)
	}
	return spec, nil
}
