package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Action enumerates the trade intents a signal can express.
type Action string

const (
	ActionBuy       Action = "BUY"
	ActionSell      Action = "SELL"
	ActionBuyLimit  Action = "BUY_LIMIT"
	ActionSellLimit Action = "SELL_LIMIT"
	ActionBuyStop   Action = "BUY_STOP"
	ActionSellStop  Action = "SELL_STOP"
	ActionModify    Action = "MODIFY"
	ActionClose     Action = "CLOSE"
	ActionCancel    Action = "CANCEL"
	ActionNone      Action = ""
)

// IsEntry reports whether the action opens a new position (market or pending).
func (a Action) IsEntry() bool {
	switch a {
	case ActionBuy, ActionSell, ActionBuyLimit, ActionSellLimit, ActionBuyStop, ActionSellStop:
		return true
	}
	return false
}

// IsPending reports whether the action is a pending-order entry.
func (a Action) IsPending() bool {
	switch a {
	case ActionBuyLimit, ActionSellLimit, ActionBuyStop, ActionSellStop:
		return true
	}
	return false
}

// Direction returns +1 for long actions, -1 for short, 0 otherwise.
func (a Action) Direction() int {
	switch a {
	case ActionBuy, ActionBuyLimit, ActionBuyStop:
		return 1
	case ActionSell, ActionSellLimit, ActionSellStop:
		return -1
	}
	return 0
}

// MaxTakeProfits caps the TP ladder length on a parsed signal.
const MaxTakeProfits = 100

// RawSignal is the normalized form of an inbound signal text.
// Immutable once created; retained for audit.
type RawSignal struct {
	SourceID    string    `json:"source_id"`
	ProviderID  string    `json:"provider_id"`
	ReceivedAt  time.Time `json:"received_at"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"`
}

// ParsedSignal is the structured trade intent extracted from a RawSignal.
// Entry == 0 means "at market". A zero StopLoss means none was given.
type ParsedSignal struct {
	SignalID    string    `json:"signal_id"`
	Pair        string    `json:"pair"`
	Action      Action    `json:"action"`
	Entry       float64   `json:"entry"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	LotSize     float64   `json:"lot_size"`
	Confidence  float64   `json:"confidence"`
	TicketRef   string    `json:"ticket_ref,omitempty"` // target ticket for CLOSE/MODIFY/CANCEL
	Warnings    []string  `json:"warnings,omitempty"`
	Raw         RawSignal `json:"raw"`
}

// IsMarketEntry reports whether the signal enters at the current market price.
func (p ParsedSignal) IsMarketEntry() bool {
	return p.Action.IsEntry() && !p.Action.IsPending() && p.Entry == 0
}

// Confidence bands used by the parser and validator.
const (
	ConfidenceHigh   = 0.8
	ConfidenceMedium = 0.5
	ConfidenceLow    = 0.2
)

// DedupBucket is the time granularity folded into a signal ID so that the
// same text re-sent much later produces a fresh ID.
const DedupBucket = 5 * time.Minute

// ID derives the stable signal ID from normalized text, provider and the
// time bucket the signal arrived in. Identical text from the same provider
// inside one bucket always hashes to the same ID.
func ID(normalizedText, providerID string, receivedAt time.Time) string {
	bucket := receivedAt.UTC().Truncate(DedupBucket).Unix()
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(normalizedText)))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bucket >> (8 * (7 - i)))
	}
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}
