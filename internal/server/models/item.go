package models

import (
	"strings"
	"time"
)

// Rating bounds for InspectionItem.Rating.
const (
	MinRating = 1
	MaxRating = 5
)

// Key identifies an item within an inspection: unique per (room, item).
type Key struct {
	Room string `json:"room"`
	Item string `json:"item"`
}

// NormalizeKey trims and lower-cases both parts so "Kitchen " and "kitchen"
// address the same item.
func NormalizeKey(room, item string) Key {
	return Key{
		Room: strings.ToLower(strings.TrimSpace(room)),
		Item: strings.ToLower(strings.TrimSpace(item)),
	}
}

func (k Key) String() string {
	return k.Room + "/" + k.Item
}

// Less orders keys by room then item.
func (k Key) Less(o Key) bool {
	if k.Room != o.Room {
		return k.Room < o.Room
	}
	return k.Item < o.Item
}

// Item is a single observed fixture, e.g. kitchen/sink.
type Item struct {
	ID           string    `json:"id"`
	InspectionID string    `json:"inspection_id"`
	RoomKey      string    `json:"room"`
	ItemKey      string    `json:"item"`
	Rating       int       `json:"rating"`
	Damaged      bool      `json:"damaged"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (i *Item) Key() Key {
	return Key{Room: i.RoomKey, Item: i.ItemKey}
}
