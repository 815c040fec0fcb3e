// Package gc defines the game-coordinator client contract: an authenticated
// game session plus its coordinator subchannel, surfaced as an event stream.
// The wire codec itself lives behind the Session interface; the default
// implementation in this package speaks JSON over a websocket gateway.
package gc

import "context"

// Credentials authenticate one game session.
type Credentials struct {
	AccountName      string
	Password         string
	TwoFactorCode    string
	RememberPassword bool
}

// StickerInfo is a sticker slot as echoed by the coordinator.
type StickerInfo struct {
	Slot      int      `json:"slot"`
	StickerID int      `json:"sticker_id"`
	Wear      *float64 `json:"wear,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	TintID    *int     `json:"tint_id,omitempty"`
}

// KeychainInfo is a keychain slot as echoed by the coordinator.
type KeychainInfo struct {
	Slot       int  `json:"slot"`
	KeychainID int  `json:"keychain_id"`
	Pattern    *int `json:"pattern,omitempty"`
}

// ItemInfo is the coordinator's inspect response. ItemID echoes the
// requested asset id and is the correlation key.
type ItemInfo struct {
	ItemID     uint64         `json:"itemid,string"`
	DefIndex   int            `json:"defindex"`
	PaintIndex int            `json:"paintindex"`
	Rarity     int            `json:"rarity"`
	Quality    int            `json:"quality"`
	Origin     int            `json:"origin"`
	PaintWear  float64        `json:"paintwear"`
	PaintSeed  *int           `json:"paintseed,omitempty"`
	CustomName string         `json:"customname,omitempty"`
	Stickers   []StickerInfo  `json:"stickers,omitempty"`
	Keychains  []KeychainInfo `json:"keychains,omitempty"`
}

// Login eresults that are not worth plain retrying.
const (
	EResultInvalidPassword       = 61
	EResultAccountLogonDenied    = 63
	EResultInvalidLoginAuthCode  = 65
	EResultTwoFactorCodeMismatch = 66
	EResultRateLimitExceeded     = 84
)

// FatalLogonResult reports whether an eresult belongs to the fatal-or-backoff
// set (84 means max backoff, the rest keep exponential retry but are
// reported loudly).
func FatalLogonResult(eresult int) bool {
	switch eresult {
	case EResultInvalidPassword, EResultAccountLogonDenied,
		EResultInvalidLoginAuthCode, EResultTwoFactorCodeMismatch,
		EResultRateLimitExceeded:
		return true
	}
	return false
}

// Event is the union of session events. Consumers switch on the concrete
// type; the session owner must drain Events() until it is closed.
type Event interface{ sessionEvent() }

type LoggedOn struct{ OwnsGame bool }

type Disconnected struct {
	EResult int
	Msg     string
}

type SessionError struct{ Err error }

type ConnectedToGC struct{}

type DisconnectedFromGC struct{ Reason string }

type OwnershipCached struct{ OwnsGame bool }

type InspectItemInfo struct{ Info ItemInfo }

func (LoggedOn) sessionEvent()           {}
func (Disconnected) sessionEvent()       {}
func (SessionError) sessionEvent()       {}
func (ConnectedToGC) sessionEvent()      {}
func (DisconnectedFromGC) sessionEvent() {}
func (OwnershipCached) sessionEvent()    {}
func (InspectItemInfo) sessionEvent()    {}

// Session is one authenticated game-back-end connection with its
// coordinator subchannel. All methods are non-blocking apart from LogOn's
// dial; results arrive on Events().
type Session interface {
	// LogOn dials and sends credentials. A LoggedOn or Disconnected event
	// follows asynchronously.
	LogOn(ctx context.Context, creds Credentials) error
	// LogOff gracefully terminates the session.
	LogOff()
	// GamesPlayed announces the app ids this session is playing, which
	// opens the coordinator subchannel for the given game.
	GamesPlayed(appIDs []uint32) error
	// RequestFreeLicense claims a free license for the app.
	RequestFreeLicense(appID uint32) error
	// InspectItem requests the item record for one inspect link.
	InspectItem(owner, assetID, d uint64) error
	// Events returns the session event stream. Closed after LogOff or a
	// terminal transport failure.
	Events() <-chan Event
}
