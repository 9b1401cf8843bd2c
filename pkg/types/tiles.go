package types

// AdmTile is a single tile as provided by the ADM partner.
type AdmTile struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name"`
	AdvertiserURL string `json:"advertiser_url"`
	ClickURL      string `json:"click_url"`
	ImageURL      string `json:"image_url"`
	ImpressionURL string `json:"impression_url"`
	Position      *uint8 `json:"position,omitempty"`
}

// AdmTileResponse is the payload shape returned by the ADM partner API.
// A missing "tiles" key decodes as an empty list.
type AdmTileResponse struct {
	Tiles []AdmTile `json:"tiles"`
}

// Tile is a single tile as sent to the user agent. It differs from AdmTile
// in that advertiser_url becomes url, and image_size is stamped by the
// image store.
type Tile struct {
	ID            uint64  `json:"id"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	ClickURL      string  `json:"click_url"`
	ImageURL      string  `json:"image_url"`
	ImageSize     *uint32 `json:"image_size"`
	ImpressionURL string  `json:"impression_url"`

	// Position is the effective slot preference resolved by the filter.
	// It is carried for downstream consumers but never serialized and never
	// used as a sort key; response order is the partner's order.
	Position *uint8 `json:"-"`
}

// TileResponse is the response payload sent to the user agent.
type TileResponse struct {
	Tiles []Tile `json:"tiles"`
}

// StoredImage is the image store's answer for one rehosted tile image.
// Width doubles as the height; tile images are square by contract.
type StoredImage struct {
	URL   string
	Width uint32
}

// TileFromAdm builds the client-facing tile from a validated partner tile.
// ImageSize stays nil until the image store has processed the image.
func TileFromAdm(t AdmTile) Tile {
	return Tile{
		ID:            t.ID,
		Name:          t.Name,
		URL:           t.AdvertiserURL,
		ClickURL:      t.ClickURL,
		ImageURL:      t.ImageURL,
		ImpressionURL: t.ImpressionURL,
	}
}
