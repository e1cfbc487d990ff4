package domain

import "time"

// EventType names a lifecycle transition broadcast to subscribers.
type EventType string

const (
	EventMarketCreated   EventType = "market.created"
	EventMarketDeployed  EventType = "market.deployed"
	EventDeployFailed    EventType = "market.deploy_failed"
	EventMarketScored    EventType = "market.scored"
	EventMarketAllocated EventType = "market.allocated"
	EventMarketSettled   EventType = "market.settled"
)

// Event is a single lifecycle notification. Market is a snapshot taken at
// publication time.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	MarketID  string    `json:"marketId"`
	Market    *Market   `json:"market,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
