package domain

// InventoryItem is one sellable unit: a standalone product, or a variant
// inside a variant group (ParentID set). Sold flips false to true exactly
// once and is only written by the store's finalize transaction.
type InventoryItem struct {
	ID         string
	ParentID   string
	Name       string
	PriceCents int64
	ImageURL   string
	Sold       bool
}

func (i *InventoryItem) IsVariant() bool {
	return i.ParentID != ""
}
