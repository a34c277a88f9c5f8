package models

// SymbolStatus is the per-tick state of a watched symbol's lifecycle.
// It is always computed, never persisted — see internal/controller.
type SymbolStatus string

const (
	// StatusNoPosition means no broker position and no pending entry.
	StatusNoPosition SymbolStatus = "no_position"
	// StatusEntryPending means a BUY entry order is live at the broker.
	StatusEntryPending SymbolStatus = "entry_pending"
	// StatusPositionOpen means the broker reports a nonzero position.
	StatusPositionOpen SymbolStatus = "position_open"
	// StatusCooldown means the symbol is suppressed after a recent stop-out.
	StatusCooldown SymbolStatus = "cooldown"
	// StatusHalt is an operator-only suppression state; entering it is
	// never automatic.
	StatusHalt SymbolStatus = "halt"
)

// Description returns a short human-readable explanation of the status.
func (s SymbolStatus) Description() string {
	switch s {
	case StatusNoPosition:
		return "no position or pending order; eligible for a new entry"
	case StatusEntryPending:
		return "entry order submitted, awaiting fill or cancellation"
	case StatusPositionOpen:
		return "position open; trailing stop is being maintained"
	case StatusCooldown:
		return "suppressed after a recent stop-out"
	case StatusHalt:
		return "operator halt; all intents suppressed"
	default:
		return "unknown status"
	}
}
