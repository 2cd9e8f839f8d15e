package bot

import (
	"context"
	"sync"
	"time"

	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/telegram"
)

// UpdateSource produces batches of raw transport updates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
}

// Poller drives the bot from the long-polling transport.
type Poller struct {
	bot     *Bot
	source  UpdateSource
	timeout int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(bot *Bot, source UpdateSource, timeout int) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{bot: bot, source: source, timeout: timeout, ctx: ctx, cancel: cancel}
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger.Info().Int("timeout", p.timeout).Msg("Update poller started")

		var offset int64
		for {
			select {
			case <-p.ctx.Done():
				logger.Info().Msg("Update poller stopped")
				return
			default:
			}

			updates, err := p.source.GetUpdates(p.ctx, offset, p.timeout)
			if err != nil {
				if p.ctx.Err() != nil {
					continue
				}
				logger.Warn().Err(err).Msg("Polling failed, backing off")
				select {
				case <-p.ctx.Done():
				case <-time.After(5 * time.Second):
				}
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= offset {
					offset = u.UpdateID + 1
				}
				if ev, ok := FromUpdate(u); ok {
					p.bot.Handle(p.ctx, ev)
				}
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}
