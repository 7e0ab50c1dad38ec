package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/launchpool/settler/internal/notify"
	"github.com/launchpool/settler/internal/pot"
	"github.com/launchpool/settler/internal/settle"
	settlertesting "github.com/launchpool/settler/internal/testing"
	"github.com/launchpool/settler/internal/store"
)

type mockSlack struct {
	PostMessageContextFunc func(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

func (m *mockSlack) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	return m.PostMessageContextFunc(ctx, channelID, options...)
}

func testEpoch() *store.Epoch {
	return &store.Epoch{
		PeriodID:  "period-42",
		PeriodEnd: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Status:    store.StatusCompleted,
	}
}

func testPlan() []pot.PlanEntry {
	return []pot.PlanEntry{
		{Rank: 1, Wallet: "W1", AmountLamports: 50_000_000, TradeCount: 4},
		{Rank: 2, Wallet: "W2", AmountLamports: 30_000_000, TradeCount: 3},
		{Rank: 3, Wallet: "W3", AmountLamports: 20_000_000, TradeCount: 3},
	}
}

// messageText renders the options the announcer posted into the message
// text Slack would send.
func messageText(t *testing.T, options []slack.MsgOption) string {
	t.Helper()
	_, values, err := slack.UnsafeApplyMsgOptions("token", "channel", "https://slack.test/api/", options...)
	require.NoError(t, err)
	return values.Get("text")
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	log := settlertesting.NewLogger()

	_, err := notify.New(notify.Config{Logger: log, BotToken: "xoxb-1"})
	require.ErrorContains(t, err, "channel")

	_, err = notify.New(notify.Config{Logger: log, Channel: "C123"})
	require.ErrorContains(t, err, "token")

	_, err = notify.New(notify.Config{Logger: log, Channel: "C123", API: &mockSlack{}})
	require.NoError(t, err)
}

func TestEpochCompleted_PostsWinners(t *testing.T) {
	t.Parallel()

	var gotChannel string
	var gotText string
	api := &mockSlack{
		PostMessageContextFunc: func(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
			gotChannel = channelID
			gotText = messageText(t, options)
			return channelID, "1.0", nil
		},
	}
	a, err := notify.New(notify.Config{Logger: settlertesting.NewLogger(), Channel: "C123", API: api})
	require.NoError(t, err)

	a.EpochCompleted(context.Background(), testEpoch(), testPlan(), "5ig", 100_000_000)

	require.Equal(t, "C123", gotChannel)
	require.Contains(t, gotText, "period-42")
	require.Contains(t, gotText, "0.1 SOL paid to 3 winners")
	require.Contains(t, gotText, "`W1`: 0.05 SOL")
	require.Contains(t, gotText, "`W2`: 0.03 SOL")
	require.Contains(t, gotText, "`W3`: 0.02 SOL")
	require.Contains(t, gotText, "solscan.io/tx/5ig")
}

func TestEpochCompleted_DryRunOmitsTransactionLink(t *testing.T) {
	t.Parallel()

	var gotText string
	api := &mockSlack{
		PostMessageContextFunc: func(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
			gotText = messageText(t, options)
			return channelID, "1.0", nil
		},
	}
	a, err := notify.New(notify.Config{Logger: settlertesting.NewLogger(), Channel: "C123", API: api})
	require.NoError(t, err)

	a.EpochCompleted(context.Background(), testEpoch(), testPlan(), settle.DryRunSignature, 100_000_000)

	require.Contains(t, gotText, "dry run")
	require.NotContains(t, gotText, "solscan.io")
}

func TestEpochSkipped_PostsReasonAndCarry(t *testing.T) {
	t.Parallel()

	var gotText string
	api := &mockSlack{
		PostMessageContextFunc: func(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
			gotText = messageText(t, options)
			return channelID, "1.0", nil
		},
	}
	a, err := notify.New(notify.Config{Logger: settlertesting.NewLogger(), Channel: "C123", API: api})
	require.NoError(t, err)

	epoch := testEpoch()
	epoch.Status = store.StatusSkipped
	a.EpochSkipped(context.Background(), epoch, store.ReasonInsufficientEligibleWallets, 100_000_000)

	require.Contains(t, gotText, "period-42")
	require.Contains(t, gotText, store.ReasonInsufficientEligibleWallets)
	require.Contains(t, gotText, "0.1 SOL carried")
}

func TestPost_ErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	api := &mockSlack{
		PostMessageContextFunc: func(context.Context, string, ...slack.MsgOption) (string, string, error) {
			return "", "", errors.New("channel_not_found")
		},
	}
	a, err := notify.New(notify.Config{Logger: settlertesting.NewLogger(), Channel: "C123", API: api})
	require.NoError(t, err)

	// Must not panic or propagate.
	a.EpochCompleted(context.Background(), testEpoch(), testPlan(), "5ig", 100_000_000)
	a.EpochSkipped(context.Background(), testEpoch(), "insufficient_vault_balance", 0)
}
