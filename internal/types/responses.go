package types

// CreateOrderRequest is the payload accepted by the order creation endpoint.
// The owner address always comes from the authenticated token, never the body.
type CreateOrderRequest struct {
	AssetID           string   `json:"asset_id" binding:"required"`
	Amount            float64  `json:"amount" binding:"required,gt=0"`
	EntryPrice        float64  `json:"entry_price" binding:"required,gt=0"`
	TrailDistance     float64  `json:"trail_distance"`
	TrailDistanceType string   `json:"trail_distance_type" binding:"required"`
	TakeProfitPrice   *float64 `json:"take_profit_price,omitempty"`
}
