package bot

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
)

// Controller owns the bot fleet and routes inspect requests to a ready bot.
type Controller struct {
	mu     sync.RWMutex
	bots   []*Bot
	byName map[string]*Bot
}

// NewController creates an empty fleet.
func NewController() *Controller {
	return &Controller{byName: make(map[string]*Bot)}
}

// AddBot registers and starts a bot. Duplicate credentials are rejected.
func (c *Controller) AddBot(ctx context.Context, b *Bot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byName[b.Name()]; dup {
		log.Warn().Str("bot", b.Name()).Msg("Duplicate login ignored")
		return
	}
	c.bots = append(c.bots, b)
	c.byName[b.Name()] = b
	b.Start(ctx)
}

// HasAny reports whether any bot is configured.
func (c *Controller) HasAny() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bots) > 0
}

// BotCount returns the configured fleet size.
func (c *Controller) BotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bots)
}

// ReadyCount returns the number of bots holding a live GC session.
func (c *Controller) ReadyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.bots {
		if b.Ready() {
			n++
		}
	}
	return n
}

// LookupFloat resolves one link through some ready bot. SteamOffline when
// no bot is ready at all; NoBotsAvailable when ready bots exist but none
// can take the request right now.
func (c *Controller) LookupFloat(ctx context.Context, link *inspect.Link) (*inspect.Item, time.Duration, error) {
	free := c.pickFree()
	if free == nil {
		if c.ReadyCount() == 0 {
			return nil, 0, apierr.SteamOffline
		}
		return nil, 0, apierr.NoBotsAvailable
	}

	item, delay, err := free.Inspect(ctx, link)
	if err == ErrNotReady {
		// Lost the race for the slot; the scheduler retries without
		// consuming an attempt.
		return nil, 0, apierr.NoBotsAvailable
	}
	return item, delay, err
}

// pickFree returns a random ready bot with a free slot.
func (c *Controller) pickFree() *Bot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.bots) == 0 {
		return nil
	}
	for _, i := range rand.Perm(len(c.bots)) {
		if c.bots[i].Free() {
			return c.bots[i]
		}
	}
	return nil
}

// TryRelogAll triggers a graceful relog on every healthy bot.
func (c *Controller) TryRelogAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.bots {
		if b.Ready() {
			b.Relog()
		}
	}
	log.Info().Int("bots", len(c.bots)).Msg("Relog issued to fleet")
}
