// Package notify posts settlement announcements to a Slack channel. The
// announcer is optional and strictly best effort: a failed post is logged
// and forgotten, it never affects settlement.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/slack-go/slack"

	"github.com/launchpool/settler/internal/pot"
	"github.com/launchpool/settler/internal/settle"
	"github.com/launchpool/settler/internal/store"
)

// API is the slice of the Slack client the announcer uses.
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type Config struct {
	Logger *slog.Logger
	// Channel is the Slack channel ID announcements are posted to.
	Channel string
	// BotToken authenticates the Slack client. Ignored when API is set.
	BotToken string
	// API overrides the Slack client (tests).
	API API
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	if cfg.API == nil {
		if cfg.BotToken == "" {
			return errors.New("slack bot token is required")
		}
		cfg.API = slack.New(cfg.BotToken)
	}
	return nil
}

// Announcer posts one message per terminal epoch outcome.
type Announcer struct {
	log     *slog.Logger
	api     API
	channel string
}

func New(cfg Config) (*Announcer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notify config: %w", err)
	}
	return &Announcer{
		log:     cfg.Logger,
		api:     cfg.API,
		channel: cfg.Channel,
	}, nil
}

// EpochCompleted announces a paid-out epoch with its winners.
func (a *Announcer) EpochCompleted(ctx context.Context, epoch *store.Epoch, plan []pot.PlanEntry, signature string, totalPot uint64) {
	var b strings.Builder
	fmt.Fprintf(&b, ":moneybag: Rewards settled for period %s: %s SOL paid to %d winners\n",
		epoch.PeriodID, solAmount(totalPot), len(plan))
	for _, entry := range plan {
		fmt.Fprintf(&b, "%d. `%s`: %s SOL (%d trades)\n",
			entry.Rank, entry.Wallet, solAmount(entry.AmountLamports), entry.TradeCount)
	}
	if signature == settle.DryRunSignature {
		b.WriteString("_dry run, no transaction sent_")
	} else {
		fmt.Fprintf(&b, "<https://solscan.io/tx/%s|transaction>", signature)
	}
	a.post(ctx, b.String())
}

// EpochSkipped announces a skipped epoch and the pot carried forward.
func (a *Announcer) EpochSkipped(ctx context.Context, epoch *store.Epoch, reason string, carriedPot uint64) {
	text := fmt.Sprintf(":leftwards_arrow_with_hook: Rewards skipped for period %s (%s): %s SOL carried to the next period",
		epoch.PeriodID, reason, solAmount(carriedPot))
	a.post(ctx, text)
}

func (a *Announcer) post(ctx context.Context, text string) {
	_, _, err := a.api.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		a.log.Warn("notify: failed to post settlement announcement", "error", err)
		return
	}
	a.log.Debug("notify: posted settlement announcement", "channel", a.channel)
}

// solAmount renders lamports as a SOL decimal string.
func solAmount(lamports uint64) string {
	return decimal.NewFromUint64(lamports).Shift(-9).String()
}
