package handler

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// Stats reports live fan-out counters.
type Stats interface {
	Subscribers() int
	Dropped() uint64
	Origin() string
}

// StatusHandler serves static deployment facts and live fan-out counters.
type StatusHandler struct {
	mode      string
	chainID   int64
	signer    common.Address
	addresses map[string]string
	stats     Stats
}

// NewStatusHandler creates a StatusHandler. addresses maps contract names to
// their deployed addresses.
func NewStatusHandler(mode string, chainID int64, signer common.Address, addresses map[string]string, stats Stats) *StatusHandler {
	return &StatusHandler{mode: mode, chainID: chainID, signer: signer, addresses: addresses, stats: stats}
}

// GetStatus responds with the run mode, chain and fan-out counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":    h.mode,
		"chainId": h.chainID,
		"signer":  h.signer.Hex(),
	}
	if h.stats != nil {
		body["instance"] = h.stats.Origin()
		body["subscribers"] = h.stats.Subscribers()
		body["droppedEvents"] = h.stats.Dropped()
	}
	writeJSON(w, http.StatusOK, body)
}

// GetAddresses returns the contract registry.
// GET /api/addresses
func (h *StatusHandler) GetAddresses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":   h.chainID,
		"addresses": h.addresses,
	})
}
