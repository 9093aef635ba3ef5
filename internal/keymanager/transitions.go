package keymanager

import "github.com/routekeeper/routekeeper/internal/domain"

// legalTransitions is the key-state machine. Only listed moves are legal;
// same-state moves are recorded no-op transitions. Everything else raises
// InvalidStateTransition.
var legalTransitions = map[domain.KeyState]map[domain.KeyState]bool{
	domain.KeyAvailable: {
		domain.KeyAvailable: true,
		domain.KeyThrottled: true,
		domain.KeyExhausted: true,
		domain.KeyDisabled:  true,
		domain.KeyInvalid:   true,
	},
	domain.KeyThrottled: {
		domain.KeyAvailable: true,
		domain.KeyThrottled: true,
		domain.KeyExhausted: true,
		domain.KeyDisabled:  true,
		domain.KeyInvalid:   true,
	},
	domain.KeyExhausted: {
		domain.KeyExhausted:  true,
		domain.KeyRecovering: true,
		domain.KeyDisabled:   true,
		domain.KeyInvalid:    true,
	},
	domain.KeyRecovering: {
		domain.KeyAvailable:  true,
		domain.KeyRecovering: true,
		domain.KeyDisabled:   true,
		domain.KeyInvalid:    true,
	},
	domain.KeyDisabled: {
		domain.KeyAvailable: true,
		domain.KeyDisabled:  true,
	},
	domain.KeyInvalid: {
		domain.KeyDisabled: true,
		domain.KeyInvalid:  true,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.KeyState) bool {
	return legalTransitions[from][to]
}
