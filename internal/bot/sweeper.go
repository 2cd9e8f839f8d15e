package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medialink-bot-backend/internal/common/logger"
)

// Sweeper periodically expires stale pending requests, payments and
// follow-up questions so nothing waits on an admin forever.
type Sweeper struct {
	bot      *Bot
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(bot *Bot, interval time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{bot: bot, interval: interval, ctx: ctx, cancel: cancel}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info().Dur("interval", s.interval).Msg("Stale request sweeper started")

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				logger.Info().Msg("Stale request sweeper stopped")
				return
			case <-ticker.C:
				s.RunPass(s.ctx, time.Now())
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

// RunPass performs one sweep over every stale-able collection.
func (s *Sweeper) RunPass(ctx context.Context, now time.Time) {
	b := s.bot

	for _, req := range b.requests.SweepExpired(ctx, now, b.lifecycle.requestTTL) {
		b.reply(ctx, req.ChatID, fmt.Sprintf(
			"⌛ Your %s request expired without a decision. You can submit it again.", req.Kind))
	}

	for _, pay := range b.payments.Sweep(ctx, now.Unix(), b.lifecycle.requestTTL, b.lifecycle.paymentRetention) {
		b.reply(ctx, pay.ChatID,
			"⌛ Your payment was not verified in time and has been dropped. Use /subscribe to try again.")
	}

	for _, chatID := range b.awaiting.SweepExpired(now, b.lifecycle.awaitingTTL) {
		b.reply(ctx, chatID, "⌛ I stopped waiting for your reply. Run the command again when you're ready.")
	}

	if pruned := b.subs.PruneOrphans(ctx); pruned > 0 {
		logger.Info().Int("pruned", pruned).Msg("Removed subscriptions with no matching user")
	}
}
