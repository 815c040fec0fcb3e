// Package gamedata enriches decorated items with static game metadata
// (item names, rarities, wear ranges). The snapshot is refreshed on a timer
// from an external source; a failed refresh keeps serving the prior one.
package gamedata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/csinspect/inspectd/internal/inspect"
)

const DefaultURL = "https://raw.githubusercontent.com/csfloat/cs-files/master/static/items_game.json"

// WeaponInfo names a weapon by defindex.
type WeaponInfo struct {
	Name string `json:"name"`
}

// PaintInfo names a finish, keyed "<defindex>_<paintindex>".
type PaintInfo struct {
	Name    string   `json:"name"`
	MinWear *float64 `json:"min,omitempty"`
	MaxWear *float64 `json:"max,omitempty"`
}

// Snapshot is one immutable parse of the upstream metadata file.
type Snapshot struct {
	Weapons   map[string]WeaponInfo `json:"weapons"`
	Paints    map[string]PaintInfo  `json:"paints"`
	Stickers  map[string]string     `json:"stickers"`
	Keychains map[string]string     `json:"keychains"`
	Rarities  map[string]string     `json:"rarities"`
	Qualities map[string]string     `json:"qualities"`
	Origins   map[string]string     `json:"origins"`
}

// Decorator serves Annotate from the current snapshot. Safe for concurrent
// use; refresh swaps the snapshot atomically.
type Decorator struct {
	url      string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	snapshot atomic.Pointer[Snapshot]
	stopCh   chan struct{}
}

// New creates a decorator fetching from url (DefaultURL when empty).
func New(url string) *Decorator {
	if url == "" {
		url = DefaultURL
	}
	st := gobreaker.Settings{Name: "gamedata"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Decorator{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
		stopCh:  make(chan struct{}),
	}
}

// Start performs an initial fetch and launches the refresh loop.
func (d *Decorator) Start(interval time.Duration) {
	if err := d.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Initial game data fetch failed, items will be served undecorated")
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				if err := d.Refresh(); err != nil {
					log.Warn().Err(err).Msg("Game data refresh failed, keeping prior snapshot")
				}
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (d *Decorator) Stop() {
	close(d.stopCh)
}

// Refresh fetches and swaps in a new snapshot.
func (d *Decorator) Refresh() error {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		resp, err := d.client.Get(d.url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("game data fetch: HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, fmt.Errorf("game data parse: %w", err)
		}
		return &snap, nil
	})
	if err != nil {
		return err
	}

	snap := result.(*Snapshot)
	d.snapshot.Store(snap)
	log.Info().
		Int("weapons", len(snap.Weapons)).
		Int("paints", len(snap.Paints)).
		Int("stickers", len(snap.Stickers)).
		Msg("Game data snapshot refreshed")
	return nil
}

// SetSnapshot installs a snapshot directly. Used by tests.
func (d *Decorator) SetSnapshot(snap *Snapshot) {
	d.snapshot.Store(snap)
}

// Annotate enriches the item in place. Missing snapshot or unknown keys
// leave the item untouched.
func (d *Decorator) Annotate(item *inspect.Item) {
	snap := d.snapshot.Load()
	if snap == nil {
		return
	}

	defindex := strconv.Itoa(item.DefIndex)
	if w, ok := snap.Weapons[defindex]; ok {
		item.WeaponType = w.Name
	}
	paintKey := fmt.Sprintf("%d_%d", item.DefIndex, item.PaintIndex)
	if p, ok := snap.Paints[paintKey]; ok {
		item.ItemName = p.Name
		item.MinWear = p.MinWear
		item.MaxWear = p.MaxWear
	}
	if name, ok := snap.Rarities[strconv.Itoa(item.Rarity)]; ok {
		item.RarityName = name
	}
	if name, ok := snap.Qualities[strconv.Itoa(item.Quality)]; ok {
		item.QualityName = name
	}
	if name, ok := snap.Origins[strconv.Itoa(item.Origin)]; ok {
		item.OriginName = name
	}
	if item.FloatValue > 0 {
		item.WearName = wearName(item.FloatValue)
	}
	if item.WeaponType != "" && item.ItemName != "" {
		item.FullItemName = fmt.Sprintf("%s | %s", item.WeaponType, item.ItemName)
		if item.WearName != "" {
			item.FullItemName += fmt.Sprintf(" (%s)", item.WearName)
		}
	}

	for i := range item.Stickers {
		if name, ok := snap.Stickers[strconv.Itoa(item.Stickers[i].StickerID)]; ok {
			item.Stickers[i].Name = name
		}
	}
	for i := range item.Keychains {
		if name, ok := snap.Keychains[strconv.Itoa(item.Keychains[i].KeychainID)]; ok {
			item.Keychains[i].Name = name
		}
	}
}

func wearName(floatValue float64) string {
	switch {
	case floatValue < 0.07:
		return "Factory New"
	case floatValue < 0.15:
		return "Minimal Wear"
	case floatValue < 0.38:
		return "Field-Tested"
	case floatValue < 0.45:
		return "Well-Worn"
	default:
		return "Battle-Scarred"
	}
}
