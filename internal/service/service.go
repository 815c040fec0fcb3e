// Package service glues the scheduler to the bot fleet, the game-data
// decorator and the result cache. It owns the per-entry resolution path
// and the cache short-circuit used by the HTTP layer.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/bot"
	"github.com/csinspect/inspectd/internal/cache"
	"github.com/csinspect/inspectd/internal/gamedata"
	"github.com/csinspect/inspectd/internal/inspect"
	"github.com/csinspect/inspectd/internal/job"
	"github.com/csinspect/inspectd/internal/metrics"
	"github.com/csinspect/inspectd/internal/queue"
)

// Service is the resolution pipeline shared by the scheduler handler and
// the HTTP cache short-circuit.
type Service struct {
	bots  *bot.Controller
	cache *cache.Cache
	data  *gamedata.Decorator
	reg   *metrics.Registry

	queue *queue.Queue
}

// New wires the pipeline. data and reg may be nil.
func New(bots *bot.Controller, c *cache.Cache, data *gamedata.Decorator, reg *metrics.Registry) *Service {
	return &Service{bots: bots, cache: c, data: data, reg: reg}
}

// Bind attaches the scheduler after construction; the queue needs the
// service's handler first.
func (s *Service) Bind(q *queue.Queue) { s.queue = q }

// Handle resolves one scheduler entry through a ready bot, decorates and
// caches the result, and settles the entry's job slot. The returned delay
// is the bot's pacing requirement.
func (s *Service) Handle(ctx context.Context, e *queue.Entry) (time.Duration, error) {
	item, delay, err := s.bots.LookupFloat(ctx, e.Link)
	if err != nil {
		if s.reg != nil && !errors.Is(err, apierr.NoBotsAvailable) {
			s.reg.InspectsTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	if s.data != nil {
		s.data.Annotate(item)
	}
	s.cache.Insert(item, e.Price)

	resp := *item
	s.mergeExtras(&resp, e.Price)
	e.Job.SetResponse(e.Link.A, &resp)

	if s.reg != nil {
		s.reg.InspectsTotal.WithLabelValues("ok").Inc()
	}
	return delay, nil
}

// FillFromCache resolves a job's cache hits in place and returns how many
// entries it settled. A submitted price updates the cached entry too.
func (s *Service) FillFromCache(j *job.Job) int {
	pending := j.RemainingLinks()
	if len(pending) == 0 {
		return 0
	}

	ids := make([]string, len(pending))
	for i, e := range pending {
		ids[i] = e.Link.A
	}

	hits := 0
	for i, cached := range s.cache.GetMany(ids) {
		if cached == nil {
			continue
		}
		e := pending[i]

		price := cached.Price
		if e.Price != nil {
			s.cache.UpdatePrice(e.Link.A, *e.Price)
			price = e.Price
		}

		resp := *cached.Item
		s.mergeExtras(&resp, price)
		j.SetResponse(e.Link.A, &resp)
		hits++
	}
	return hits
}

// mergeExtras stamps the submitted price and the rank side-table data
// onto a response copy, never onto the cached item itself.
func (s *Service) mergeExtras(item *inspect.Item, price *uint64) {
	item.Price = price
	rank := s.cache.GetRank(item.A)
	item.LowRank = rank.LowRank
	item.HighRank = rank.HighRank
}

// StartMetricsLoop keeps the fleet and queue gauges current.
func (s *Service) StartMetricsLoop(ctx context.Context, interval time.Duration) {
	if s.reg == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reg.BotsReady.Set(float64(s.bots.ReadyCount()))
				s.reg.BotsTotal.Set(float64(s.bots.BotCount()))
				if s.queue != nil {
					s.reg.QueueDepth.Set(float64(s.queue.Size()))
					s.reg.Processing.Set(float64(s.queue.ProcessingCount()))
				}
			}
		}
	}()
}
