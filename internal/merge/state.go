package merge

// State is a merge attempt's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateRebasing
	StateIntegrationTesting
	StateCommitted
	StateRolledBack
	StateRejected
	StateConflicted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRebasing:
		return "rebasing"
	case StateIntegrationTesting:
		return "integration_testing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateRejected:
		return "rejected"
	case StateConflicted:
		return "conflicted"
	}
	return "unknown"
}

// Terminal reports whether no further event applies.
func (s State) Terminal() bool {
	return s >= StateCommitted
}

// Event drives a state change.
type Event int

const (
	EventTierBlocked  Event = iota // Consensus tier forbids merging
	EventTierApproved              // Consensus tier allows merging
	EventReplayConflict
	EventReplayClean
	EventTestsPassed
	EventTestsFailed
)

func (e Event) String() string {
	switch e {
	case EventTierBlocked:
		return "tier_blocked"
	case EventTierApproved:
		return "tier_approved"
	case EventReplayConflict:
		return "replay_conflict"
	case EventReplayClean:
		return "replay_clean"
	case EventTestsPassed:
		return "tests_passed"
	case EventTestsFailed:
		return "tests_failed"
	}
	return "unknown"
}

// Effect is the side effect the engine performs on entering the new state.
type Effect int

const (
	EffectNone       Effect = iota
	EffectCheckpoint        // Record baseline head, then replay the branch onto it
	EffectAdvance           // CAS baseline to the replayed commit, then run tests
	EffectRevert            // CAS baseline back to the checkpoint
	EffectInvalid           // Event does not apply in this state
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectCheckpoint:
		return "checkpoint"
	case EffectAdvance:
		return "advance"
	case EffectRevert:
		return "revert"
	}
	return "invalid"
}

type transitionKey struct {
	from  State
	event Event
}

type transitionTarget struct {
	to     State
	effect Effect
}

var transitions = map[transitionKey]transitionTarget{
	{StatePending, EventTierBlocked}:            {StateRejected, EffectNone},
	{StatePending, EventTierApproved}:           {StateRebasing, EffectCheckpoint},
	{StateRebasing, EventReplayConflict}:        {StateConflicted, EffectNone},
	{StateRebasing, EventReplayClean}:           {StateIntegrationTesting, EffectAdvance},
	{StateIntegrationTesting, EventTestsPassed}: {StateCommitted, EffectNone},
	{StateIntegrationTesting, EventTestsFailed}: {StateRolledBack, EffectRevert},
}

// Transition returns the state that event leads to from state, and the
// effect to perform. Events that do not apply leave the state unchanged and
// return EffectInvalid.
func Transition(state State, event Event) (State, Effect) {
	t, ok := transitions[transitionKey{state, event}]
	if !ok {
		return state, EffectInvalid
	}
	return t.to, t.effect
}
