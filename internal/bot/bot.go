// Package bot maintains the fleet of authenticated game-coordinator
// sessions. Each bot is a single actor goroutine consuming a merged stream
// of session events, timers and control messages; external callers interact
// only through Inspect.
package bot

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/csinspect/inspectd/internal/gc"
	"github.com/csinspect/inspectd/internal/inspect"
)

// Failure taxonomy surfaced from a bot.
var (
	ErrNotReady = errors.New("bot is not ready")
	ErrTimeout  = errors.New("inspect request timed out")
	ErrSession  = errors.New("session dropped during inspect")
	ErrShutdown = errors.New("bot is shutting down")
)

// State is the session state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateLoggingIn
	StateLoggedIn
	StateGCReady
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	case StateGCReady:
		return "gc_ready"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type request struct {
	link     *inspect.Link
	assetID  uint64
	resultCh chan result
}

type result struct {
	item  *inspect.Item
	delay time.Duration
	err   error
}

type controlMsg int

const (
	ctrlRelog controlMsg = iota
)

// Bot owns one credential and its session. Exactly one inspect is in
// flight at a time, correlated by the echoed itemid.
type Bot struct {
	name     string
	cred     Credential
	settings Settings
	session  gc.Session
	logger   zerolog.Logger

	requests chan *request
	control  chan controlMsg

	// Written only by the actor goroutine.
	state         State
	current       *request
	loginAttempts int
	paced         bool

	// Read from other goroutines.
	stateAtomic atomic.Int32
	pending     atomic.Int32 // queued + in-flight

	pace *rate.Limiter

	loginTimer   *time.Timer // login poll / backoff / connection timeout
	reloginTimer *time.Timer
	ttlTimer     *time.Timer
	paceTimer    *time.Timer
}

// New creates a bot around an established-but-logged-off session.
func New(cred Credential, settings Settings, session gc.Session) *Bot {
	settings = settings.withDefaults()
	return &Bot{
		name:     cred.Username,
		cred:     cred,
		settings: settings,
		session:  session,
		logger:   log.With().Str("bot", cred.Username).Logger(),
		requests: make(chan *request, settings.QueueSize),
		control:  make(chan controlMsg, 1),
		pace:     rate.NewLimiter(rate.Every(settings.RequestDelay), 1),
	}
}

// Name returns the credential's account name.
func (b *Bot) Name() string { return b.name }

// Ready reports whether the bot holds a live GC session.
func (b *Bot) Ready() bool {
	return State(b.stateAtomic.Load()) == StateGCReady
}

// Free reports whether the bot is ready with an empty local queue.
func (b *Bot) Free() bool {
	return b.Ready() && b.pending.Load() == 0
}

// State returns the current session state.
func (b *Bot) State() State {
	return State(b.stateAtomic.Load())
}

// Inspect resolves one link. Fails fast with ErrNotReady when the bot has
// no GC session or its local queue is full; otherwise blocks until the
// response, the request TTL, or ctx.
func (b *Bot) Inspect(ctx context.Context, link *inspect.Link) (*inspect.Item, time.Duration, error) {
	if !b.Ready() {
		return nil, 0, ErrNotReady
	}
	assetID, err := strconv.ParseUint(link.A, 10, 64)
	if err != nil {
		return nil, 0, ErrNotReady
	}

	req := &request{
		link:     link,
		assetID:  assetID,
		resultCh: make(chan result, 1),
	}
	b.pending.Add(1)
	select {
	case b.requests <- req:
	default:
		b.pending.Add(-1)
		return nil, 0, ErrNotReady
	}

	select {
	case res := <-req.resultCh:
		return res.item, res.delay, res.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Relog asks the actor to gracefully relog when idle.
func (b *Bot) Relog() {
	select {
	case b.control <- ctrlRelog:
	default:
	}
}

// Start launches the actor. It returns when ctx is cancelled, after a
// graceful logoff.
func (b *Bot) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Bot) run(ctx context.Context) {
	b.loginTimer = time.NewTimer(0) // first login immediately
	b.reloginTimer = time.NewTimer(b.reloginAfter())
	b.ttlTimer = stoppedTimer()
	b.paceTimer = stoppedTimer()

	for {
		// The local queue is only drained when the GC session is live,
		// nothing is in flight and the pacing delay has elapsed.
		var reqCh <-chan *request
		if b.state == StateGCReady && b.current == nil && b.paced {
			reqCh = b.requests
		}

		select {
		case <-ctx.Done():
			b.shutdown()
			return

		case ev, ok := <-b.session.Events():
			if !ok {
				b.onDisconnected(0, "event stream closed")
				continue
			}
			b.handleEvent(ev)

		case <-b.loginTimer.C:
			b.onLoginTimer(ctx)

		case <-b.reloginTimer.C:
			b.maybeRelog()

		case <-b.ttlTimer.C:
			b.onRequestTTL()

		case <-b.paceTimer.C:
			b.paced = true

		case req := <-reqCh:
			b.dispatch(req)

		case msg := <-b.control:
			if msg == ctrlRelog {
				b.maybeRelog()
			}
		}
	}
}

func (b *Bot) setState(s State) {
	b.state = s
	b.stateAtomic.Store(int32(s))
}

// onLoginTimer is both the login poll and the connection timeout: if it
// fires while LoggingIn or LoggedIn the attempt has taken too long. The
// LoggedIn case covers a coordinator handshake that never completes; the
// whole session is torn down and retried so the bot cannot wedge there.
func (b *Bot) onLoginTimer(ctx context.Context) {
	switch b.state {
	case StateDisconnected:
		b.tryLogin(ctx)
	case StateLoggingIn:
		b.logger.Warn().Msg("Login attempt timed out")
		b.session.LogOff()
		b.failLogin()
	case StateLoggedIn:
		b.logger.Warn().Msg("Game coordinator handshake timed out")
		b.session.LogOff()
		b.failLogin()
	}
}

func (b *Bot) tryLogin(ctx context.Context) {
	b.setState(StateLoggingIn)
	b.loginAttempts++

	creds := gc.Credentials{
		AccountName:      b.cred.Username,
		Password:         b.cred.Password,
		RememberPassword: true,
	}
	if b.settings.TwoFactorCode != nil && b.cred.SharedSecret != "" {
		code, err := b.settings.TwoFactorCode(b.cred.SharedSecret)
		if err != nil {
			b.logger.Error().Err(err).Msg("TOTP generation failed")
			b.failLogin()
			return
		}
		creds.TwoFactorCode = code
	}

	b.logger.Info().Int("attempt", b.loginAttempts).Msg("Logging in")
	if err := b.session.LogOn(ctx, creds); err != nil {
		b.logger.Warn().Err(err).Msg("Login dial failed")
		b.failLogin()
		return
	}
	// Connection deadline; cleared by ConnectedToGC.
	resetTimer(b.loginTimer, b.settings.ConnectionTimeout)
}

func (b *Bot) failLogin() {
	b.setState(StateDisconnected)
	delay := loginBackoff(b.loginAttempts, b.settings.MaxLoginAttempts, b.settings.LoginRetryDelay)
	b.logger.Info().Dur("retry_in", delay).Int("attempts", b.loginAttempts).Msg("Scheduling login retry")
	resetTimer(b.loginTimer, delay)
}

func (b *Bot) handleEvent(ev gc.Event) {
	switch e := ev.(type) {
	case gc.LoggedOn:
		b.loginAttempts = 0
		b.setState(StateLoggedIn)
		b.logger.Info().Bool("owns_game", e.OwnsGame).Msg("Logged on")
		if e.OwnsGame {
			b.announceGame()
		} else {
			b.logger.Info().Uint32("appid", b.settings.AppID).Msg("Requesting free license")
			if err := b.session.RequestFreeLicense(b.settings.AppID); err != nil {
				b.logger.Error().Err(err).Msg("Free license request failed")
			}
		}

	case gc.OwnershipCached:
		if b.state == StateLoggedIn {
			b.announceGame()
		}

	case gc.ConnectedToGC:
		b.setState(StateGCReady)
		b.paced = true
		stopTimer(b.loginTimer)
		b.logger.Info().Msg("Connected to game coordinator")

	case gc.DisconnectedFromGC:
		if b.state == StateGCReady {
			b.setState(StateLoggedIn)
			b.logger.Warn().Str("reason", e.Reason).Msg("Lost game coordinator, re-announcing")
			time.AfterFunc(b.settings.GCReconnectDelay, b.announceGame)
			// Handshake deadline for the re-announce; cleared by
			// ConnectedToGC, otherwise the session is torn down.
			resetTimer(b.loginTimer, b.settings.ConnectionTimeout)
		}

	case gc.InspectItemInfo:
		b.onInspectResponse(e.Info)

	case gc.Disconnected:
		b.onDisconnected(e.EResult, e.Msg)

	case gc.SessionError:
		b.logger.Error().Err(e.Err).Msg("Session error")
		b.onDisconnected(0, e.Err.Error())
	}
}

func (b *Bot) announceGame() {
	if err := b.session.GamesPlayed([]uint32{b.settings.AppID}); err != nil {
		b.logger.Error().Err(err).Msg("Games-played announce failed")
	}
}

func (b *Bot) onDisconnected(eresult int, msg string) {
	if b.state == StateShuttingDown {
		return
	}
	b.logger.Warn().Int("eresult", eresult).Str("msg", msg).Msg("Disconnected")
	b.failCurrent(ErrSession)
	b.setState(StateDisconnected)

	if eresult == gc.EResultRateLimitExceeded {
		b.logger.Error().Msg("Login rate limited, backing off at maximum")
		resetTimer(b.loginTimer, maxLoginBackoff)
		return
	}
	if gc.FatalLogonResult(eresult) {
		b.logger.Error().Int("eresult", eresult).Msg("Login rejected, check credentials")
	}
	b.failLogin()
}

func (b *Bot) dispatch(req *request) {
	owner, err := strconv.ParseUint(ownerField(req.link), 10, 64)
	if err != nil {
		b.complete(req, result{err: ErrNotReady})
		return
	}
	d, err := strconv.ParseUint(req.link.D, 10, 64)
	if err != nil {
		b.complete(req, result{err: ErrNotReady})
		return
	}

	if err := b.session.InspectItem(owner, req.assetID, d); err != nil {
		b.logger.Warn().Err(err).Str("a", req.link.A).Msg("Inspect send failed")
		b.complete(req, result{err: ErrSession})
		return
	}

	b.current = req
	b.paced = false
	// Consume the pacing token for this dispatch.
	b.pace.Reserve()
	resetTimer(b.ttlTimer, b.settings.RequestTTL)
	b.logger.Debug().Str("a", req.link.A).Msg("Inspect dispatched")
}

// onInspectResponse resolves the current request iff the echoed itemid
// matches; anything else is dropped silently.
func (b *Bot) onInspectResponse(info gc.ItemInfo) {
	if b.current == nil || info.ItemID != b.current.assetID {
		b.logger.Debug().Uint64("itemid", info.ItemID).Msg("Dropping uncorrelated inspect response")
		return
	}

	req := b.current
	b.current = nil
	stopTimer(b.ttlTimer)

	delay := b.pacingDelay()
	item := shapeItem(req.link, info)
	b.complete(req, result{item: item, delay: delay})
	b.armPacing(delay)
}

func (b *Bot) onRequestTTL() {
	if b.current == nil {
		return
	}
	req := b.current
	b.current = nil
	b.logger.Warn().Str("a", req.link.A).Msg("Inspect response deadline elapsed")
	// The bot stays ready; only this request failed.
	delay := b.pacingDelay()
	b.complete(req, result{err: ErrTimeout, delay: delay})
	b.armPacing(delay)
}

// pacingDelay is the remainder of request_delay after the wire round trip,
// attached to the result so the scheduler can pace the slot release. The
// dispatch consumed the pacing token, so peeking at the next reservation
// yields max(0, request_delay − elapsed).
func (b *Bot) pacingDelay() time.Duration {
	r := b.pace.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}

func (b *Bot) armPacing(delay time.Duration) {
	if delay <= 0 {
		b.paced = true
		return
	}
	resetTimer(b.paceTimer, delay)
}

func (b *Bot) complete(req *request, res result) {
	b.pending.Add(-1)
	req.resultCh <- res
}

func (b *Bot) failCurrent(err error) {
	if b.current == nil {
		return
	}
	req := b.current
	b.current = nil
	stopTimer(b.ttlTimer)
	b.complete(req, result{err: err})
}

// maybeRelog performs the scheduled graceful relog: only with a live GC
// session and nothing in flight, otherwise it is retried in a second.
func (b *Bot) maybeRelog() {
	if b.state != StateGCReady || b.current != nil {
		resetTimer(b.reloginTimer, time.Second)
		return
	}
	b.logger.Info().Msg("Scheduled relogin")
	b.session.LogOff()
	b.setState(StateDisconnected)
	resetTimer(b.loginTimer, time.Second)
	resetTimer(b.reloginTimer, b.reloginAfter())
}

// reloginAfter spreads fleet reconnects with up to ReloginJitter of jitter.
func (b *Bot) reloginAfter() time.Duration {
	return b.settings.ReloginInterval + time.Duration(rand.Int63n(int64(b.settings.ReloginJitter)))
}

func (b *Bot) shutdown() {
	b.setState(StateShuttingDown)
	b.failCurrent(ErrShutdown)
	for {
		select {
		case req := <-b.requests:
			b.complete(req, result{err: ErrShutdown})
		default:
			b.session.LogOff()
			b.logger.Info().Msg("Logged off")
			return
		}
	}
}

// shapeItem builds the response record from the wire response: paintwear
// becomes floatvalue, paintseed is coerced to 0, sticker_id becomes
// stickerId and the original link fields are stamped on.
func shapeItem(link *inspect.Link, info gc.ItemInfo) *inspect.Item {
	item := &inspect.Item{
		ItemID:     strconv.FormatUint(info.ItemID, 10),
		DefIndex:   info.DefIndex,
		PaintIndex: info.PaintIndex,
		Rarity:     info.Rarity,
		Quality:    info.Quality,
		Origin:     info.Origin,
		FloatValue: info.PaintWear,
		CustomName: info.CustomName,
		Stickers:   make([]inspect.Sticker, 0, len(info.Stickers)),
		Keychains:  make([]inspect.Keychain, 0, len(info.Keychains)),
	}
	if info.PaintSeed != nil {
		item.PaintSeed = *info.PaintSeed
	}
	for _, s := range info.Stickers {
		item.Stickers = append(item.Stickers, inspect.Sticker{
			Slot:      s.Slot,
			StickerID: s.StickerID,
			Wear:      s.Wear,
			Scale:     s.Scale,
			Rotation:  s.Rotation,
			TintID:    s.TintID,
		})
	}
	for _, k := range info.Keychains {
		item.Keychains = append(item.Keychains, inspect.Keychain{
			Slot:       k.Slot,
			KeychainID: k.KeychainID,
			Pattern:    k.Pattern,
		})
	}
	item.StampLink(link)
	return item
}

// ownerField is the S or M value, whichever is set.
func ownerField(link *inspect.Link) string {
	if link.IsMarketLink() {
		return link.M
	}
	return link.S
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
