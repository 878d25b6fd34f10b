// Package notify sends chat notifications about issue processing. Sinks are
// fan-out and best-effort: a failing sink never affects other sinks or the
// dispatcher's control flow.
package notify

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"
)

// Notifier is one notification sink.
type Notifier interface {
	NotifyStart(ctx context.Context, issueNumber int, title, repo string) error
	NotifyComplete(ctx context.Context, issueNumber int, duration, repo string) error
	NotifyNeedsInput(ctx context.Context, issueNumber int, tailOutput, repo string) error
	NotifyError(ctx context.Context, issueNumber int, errMsg, tailOutput, repo string) error
}

// Fanout broadcasts each notification to every sink, logging failures to
// stderr instead of propagating them.
type Fanout struct {
	sinks []Notifier
	logf  func(format string, args ...any)
}

// NewFanout creates a Fanout over the given sinks.
func NewFanout(sinks ...Notifier) *Fanout {
	return &Fanout{
		sinks: sinks,
		logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
}

// NotifyStart broadcasts a start notification.
func (f *Fanout) NotifyStart(ctx context.Context, issueNumber int, title, repo string) error {
	for _, s := range f.sinks {
		if err := s.NotifyStart(ctx, issueNumber, title, repo); err != nil {
			f.logf("notify start #%d: %v", issueNumber, err)
		}
	}
	return nil
}

// NotifyComplete broadcasts a completion notification.
func (f *Fanout) NotifyComplete(ctx context.Context, issueNumber int, duration, repo string) error {
	for _, s := range f.sinks {
		if err := s.NotifyComplete(ctx, issueNumber, duration, repo); err != nil {
			f.logf("notify complete #%d: %v", issueNumber, err)
		}
	}
	return nil
}

// NotifyNeedsInput broadcasts a needs-input notification.
func (f *Fanout) NotifyNeedsInput(ctx context.Context, issueNumber int, tailOutput, repo string) error {
	for _, s := range f.sinks {
		if err := s.NotifyNeedsInput(ctx, issueNumber, tailOutput, repo); err != nil {
			f.logf("notify needs-input #%d: %v", issueNumber, err)
		}
	}
	return nil
}

// NotifyError broadcasts an error notification.
func (f *Fanout) NotifyError(ctx context.Context, issueNumber int, errMsg, tailOutput, repo string) error {
	for _, s := range f.sinks {
		if err := s.NotifyError(ctx, issueNumber, errMsg, tailOutput, repo); err != nil {
			f.logf("notify error #%d: %v", issueNumber, err)
		}
	}
	return nil
}

// truncateTail returns at most max bytes from the end of s, never splitting a
// UTF-8 rune. Agent output carries multi-byte characters; a cut inside one
// would produce invalid text.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// truncateHead returns at most max bytes from the start of s on a rune
// boundary.
func truncateHead(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
