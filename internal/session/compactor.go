package session

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Default compactor tunables.
const (
	DefaultRetainedTailFraction = 0.3
	DefaultFallbackKeepMessages = 10
)

// CompactorConfig configures a [Compactor].
type CompactorConfig struct {
	// Summariser condenses the prefix that does not fit the retained tail.
	// When nil every compaction takes the truncation path.
	Summariser Summariser

	// Estimator defaults to [HeuristicEstimator].
	Estimator Estimator

	// RetainedTailFraction is the share of the budget kept verbatim as the
	// most recent tail. Defaults to 0.3 when outside (0, 1).
	RetainedTailFraction float64

	// FallbackKeepMessages is how many recent messages survive when
	// summarisation fails. Defaults to 10 when not positive.
	FallbackKeepMessages int

	// Now is used to timestamp summary messages. Defaults to time.Now.
	Now func() time.Time
}

// Compactor replaces an over-budget history with one summary message followed
// by a bounded tail of the most recent messages. It never fails: when the
// summariser errors it truncates instead.
type Compactor struct {
	summariser   Summariser
	estimator    Estimator
	tailFraction float64
	fallbackKeep int
	now          func() time.Time
}

// NewCompactor creates a [Compactor] with cfg, filling unset fields with defaults.
func NewCompactor(cfg CompactorConfig) *Compactor {
	c := &Compactor{
		summariser:   cfg.Summariser,
		estimator:    cfg.Estimator,
		tailFraction: cfg.RetainedTailFraction,
		fallbackKeep: cfg.FallbackKeepMessages,
		now:          cfg.Now,
	}
	if c.estimator == nil {
		c.estimator = HeuristicEstimator{}
	}
	if c.tailFraction <= 0 || c.tailFraction >= 1 {
		c.tailFraction = DefaultRetainedTailFraction
	}
	if c.fallbackKeep <= 0 {
		c.fallbackKeep = DefaultFallbackKeepMessages
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Result describes the outcome of one [Compactor.Compact] call.
type Result struct {
	// Messages is the new history. It is a fresh slice; the input is not modified.
	Messages []Message

	// Compacted is false when the input was already within budget.
	Compacted bool

	// Truncated is true when summarisation failed or was unavailable and the
	// history was cut down without a new summary.
	Truncated bool

	// Summarised is the number of messages folded into the summary.
	Summarised int

	TokensBefore int
	TokensAfter  int
	TailTokens   int
}

// Compact returns history reduced to at most budget estimated tokens. A
// history already within budget is returned unchanged, so compacting twice is
// the same as compacting once.
//
// A trailing user message is the question being answered: it is never
// summarised or dropped. When it alone exceeds budget the result is that
// message on its own, still over budget; callers reject such input up front.
func (c *Compactor) Compact(ctx context.Context, history []Message, budget int) Result {
	before := c.estimator.Estimate(history)
	if before <= budget {
		return Result{Messages: history, TokensBefore: before, TokensAfter: before}
	}

	previous := Summary(history)
	rest := history
	if previous != "" {
		rest = history[1:]
	}

	tailBudget := int(float64(budget) * c.tailFraction)
	pinned := len(rest)
	if endsWithUser(rest) {
		pinned--
	}
	cut := len(rest)
	tailTokens := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := rest[i].Tokens()
		if tailTokens+cost > tailBudget && i < pinned {
			break
		}
		tailTokens += cost
		cut = i
	}
	older, tail := rest[:cut], rest[cut:]

	res := Result{Compacted: true, TokensBefore: before}

	var summary string
	var err error
	if c.summariser != nil {
		summary, err = c.summariser.Summarise(ctx, previous, older)
	}
	if c.summariser == nil || err != nil || summary == "" {
		slog.WarnContext(ctx, "compaction falling back to truncation",
			"stage", "compacting",
			"budget", budget,
			"tokens", before,
			"err", err,
		)
		res.Truncated = true
		res.Messages = c.truncate(history, budget)
	} else {
		out := make([]Message, 0, len(tail)+1)
		out = append(out, NewMessage(RoleSummary, summary, c.now()))
		out = append(out, tail...)
		res.Summarised = len(older)
		res.Messages = c.fitBudget(out, budget)
	}

	res.TokensAfter = c.estimator.Estimate(res.Messages)
	for i := range res.Messages {
		if !res.Messages[i].IsSummary() {
			res.TailTokens += res.Messages[i].Tokens()
		}
	}
	return res
}

// truncate keeps the existing summary (if any) plus the last fallbackKeep
// messages, then enforces the budget.
func (c *Compactor) truncate(history []Message, budget int) []Message {
	var out []Message
	rest := history
	if len(history) > 0 && history[0].IsSummary() {
		out = append(out, history[0])
		rest = history[1:]
	}
	if len(rest) > c.fallbackKeep {
		rest = rest[len(rest)-c.fallbackKeep:]
	}
	out = append(out, rest...)
	return c.fitBudget(out, budget)
}

// fitBudget drops the oldest non-summary messages until msgs fits budget. The
// summary goes next, only when it alone exceeds the budget. A trailing user
// message is never dropped.
func (c *Compactor) fitBudget(msgs []Message, budget int) []Message {
	msgs = slices.Clone(msgs)
	keep := 0
	if endsWithUser(msgs) {
		keep = 1
	}
	for len(msgs) > keep && c.estimator.Estimate(msgs) > budget {
		if msgs[0].IsSummary() && len(msgs) > keep+1 {
			msgs = slices.Delete(msgs, 1, 2)
			continue
		}
		msgs = msgs[1:]
	}
	return msgs
}

func endsWithUser(msgs []Message) bool {
	return len(msgs) > 0 && msgs[len(msgs)-1].Role == RoleUser
}
