package inspect

// Sticker is one sticker slot on a decorated item. Pointer fields are
// omitted from the JSON response when absent.
type Sticker struct {
	Slot      int      `json:"slot"`
	StickerID int      `json:"stickerId"`
	Wear      *float64 `json:"wear,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	TintID    *int     `json:"tint_id,omitempty"`

	// Enrichment, filled by the game-data decorator.
	Name string `json:"name,omitempty"`
}

// Keychain is one keychain (charm) slot on a decorated item.
type Keychain struct {
	Slot       int  `json:"slot"`
	KeychainID int  `json:"keychainId"`
	Pattern    *int `json:"pattern,omitempty"`

	Name string `json:"name,omitempty"`
}

// Item is the fully decorated response record for one inspect link. The
// original request's s/a/d/m are always stamped onto it, regardless of what
// the coordinator echoed.
type Item struct {
	S string `json:"s"`
	A string `json:"a"`
	D string `json:"d"`
	M string `json:"m"`

	ItemID     string  `json:"itemid"`
	DefIndex   int     `json:"defindex"`
	PaintIndex int     `json:"paintindex"`
	Rarity     int     `json:"rarity"`
	Quality    int     `json:"quality"`
	Origin     int     `json:"origin"`
	FloatValue float64 `json:"floatvalue"`
	// Never null: coerced to 0 when the coordinator omits it.
	PaintSeed  int        `json:"paintseed"`
	CustomName string     `json:"customname,omitempty"`
	Stickers   []Sticker  `json:"stickers"`
	Keychains  []Keychain `json:"keychains"`

	// Enrichment, filled by the game-data decorator.
	WeaponType   string   `json:"weapon_type,omitempty"`
	ItemName     string   `json:"item_name,omitempty"`
	RarityName   string   `json:"rarity_name,omitempty"`
	QualityName  string   `json:"quality_name,omitempty"`
	OriginName   string   `json:"origin_name,omitempty"`
	WearName     string   `json:"wear_name,omitempty"`
	FullItemName string   `json:"full_item_name,omitempty"`
	MinWear      *float64 `json:"min,omitempty"`
	MaxWear      *float64 `json:"max,omitempty"`

	// Submitted market price, merged from the cache.
	Price *uint64 `json:"price,omitempty"`

	// Rank side-table data, merged when present.
	LowRank  *int `json:"low_rank,omitempty"`
	HighRank *int `json:"high_rank,omitempty"`
}

// StampLink overwrites the link fields from the original request.
func (it *Item) StampLink(link *Link) {
	it.S = link.S
	it.A = link.A
	it.D = link.D
	it.M = link.M
}

// RankInfo is the externally populated rank record for an asset.
type RankInfo struct {
	LowRank  *int `json:"low_rank,omitempty"`
	HighRank *int `json:"high_rank,omitempty"`
}
