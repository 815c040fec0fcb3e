package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/csinspect/inspectd/internal/apierr"
	"github.com/csinspect/inspectd/internal/inspect"
	"github.com/csinspect/inspectd/internal/job"
	"github.com/csinspect/inspectd/internal/queue"
)

// inspectRequest is the POST /inspect body. Either url or the structured
// {a, d, s|m} fields identify the item.
type inspectRequest struct {
	APIKey string `json:"apiKey"`

	URL string `json:"url"`
	A   string `json:"a"`
	D   string `json:"d"`
	S   string `json:"s"`
	M   string `json:"m"`

	Priority int `json:"priority"`

	PriceKey string  `json:"priceKey"`
	Price    *uint64 `json:"price"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadBody)
		return
	}
	if s.cfg.APIKey != "" && req.APIKey != s.cfg.APIKey {
		writeError(w, apierr.BadSecret.WithMessage("Invalid API key"))
		return
	}

	link, err := parseLink(&req)
	if err != nil {
		writeError(w, apierr.InvalidInspect)
		return
	}

	// Price submissions require the price key and a market link.
	var price *uint64
	if req.Price != nil && s.cfg.PriceKey != "" && req.PriceKey == s.cfg.PriceKey && link.IsMarketLink() {
		price = req.Price
	}

	ip := s.clientIP(r)
	payloadCh := make(chan interface{}, 1)
	j := job.New(ip, false, func(payload interface{}) {
		payloadCh <- payload
	})
	j.Add(link, price)

	if hits := s.deps.Resolver.FillFromCache(j); hits > 0 && s.deps.Metrics != nil {
		s.deps.Metrics.CacheHits.Add(float64(hits))
	}

	remaining := j.RemainingSize()
	if remaining > 0 {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Add(float64(remaining))
		}
		if e := s.admit(ip, remaining); e != nil {
			writeError(w, e)
			return
		}
		if s.deps.Bots.ReadyCount() == 0 {
			j.SetResponseRemaining(apierr.SteamOffline)
		} else {
			for _, entry := range j.RemainingLinks() {
				s.deps.Queue.Enqueue(&queue.Entry{
					Link:        entry.Link,
					IP:          ip,
					Priority:    req.Priority,
					MaxAttempts: s.cfg.MaxAttempts,
					Price:       entry.Price,
					Job:         j,
				})
			}
		}
	}

	select {
	case payload := <-payloadCh:
		if apiErr, ok := payload.(*apierr.Error); ok {
			writeError(w, apiErr)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case <-r.Context().Done():
		// Caller went away; the job still settles the queue accounting.
	}
}

// admit enforces the per-caller and global queue ceilings before enqueue.
func (s *Server) admit(ip string, remaining int) *apierr.Error {
	if s.deps.Queue.UserQueued(ip)+remaining > s.cfg.MaxSimultaneousRequests {
		return apierr.MaxRequests.WithMessage(fmt.Sprintf(
			"You may only have %d pending request(s) at a time", s.cfg.MaxSimultaneousRequests))
	}
	if s.deps.Queue.Size()+remaining > s.cfg.MaxQueueSize {
		return apierr.MaxQueueSize
	}
	return nil
}

func parseLink(req *inspectRequest) (*inspect.Link, error) {
	if req.URL != "" {
		return inspect.ParseURL(req.URL)
	}
	return inspect.FromFields(req.A, req.D, req.S, req.M)
}

// statsResponse is the GET /stats payload.
type statsResponse struct {
	BotsOnline              int `json:"bots_online"`
	BotsTotal               int `json:"bots_total"`
	QueueSize               int `json:"queue_size"`
	QueueConcurrency        int `json:"queue_concurrency"`
	CurrentlyProcessingSize int `json:"currently_processing_size"`
	CacheSize               int `json:"cache_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, apierr.BadSecret.WithMessage("Invalid API key"))
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		BotsOnline:              s.deps.Bots.ReadyCount(),
		BotsTotal:               s.deps.Bots.BotCount(),
		QueueSize:               s.deps.Queue.Size(),
		QueueConcurrency:        s.deps.Queue.Concurrency(),
		CurrentlyProcessingSize: s.deps.Queue.ProcessingCount(),
		CacheSize:               s.deps.Cache.Size(),
	})
}

func (s *Server) handleRelog(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, apierr.BadSecret.WithMessage("Invalid API key"))
		return
	}
	log.Info().Str("ip", s.clientIP(r)).Msg("Admin relog requested")
	s.deps.Bots.TryRelogAll()
	writeJSON(w, http.StatusOK, map[string]bool{"issued_relog": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized checks the API key on GET endpoints: Authorization header
// first, ?key= as a fallback. An empty configured key disables the check.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth == s.cfg.APIKey {
		return true
	}
	return r.URL.Query().Get("key") == s.cfg.APIKey
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, e *apierr.Error) {
	writeJSON(w, httpStatus(e.Code), e)
}

// httpStatus maps envelope codes to HTTP statuses. The code stays the
// contract; the status is advisory.
func httpStatus(code int) int {
	switch code {
	case apierr.BadParams.Code, apierr.InvalidInspect.Code, apierr.BadBody.Code:
		return http.StatusBadRequest
	case apierr.BadSecret.Code:
		return http.StatusForbidden
	case apierr.MaxRequests.Code, apierr.RateLimit.Code, apierr.MaxQueueSize.Code:
		return http.StatusTooManyRequests
	case apierr.TTLExceeded.Code:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
