package deployment

// State is the lifecycle state of a deployment attempt.
type State string

const (
	// StateQueued means the event is persisted but no worker has claimed it.
	StateQueued State = "queued"
	// StateSettingUp means a worker holds the lease and is preparing stages.
	StateSettingUp State = "setting_up"
	// StateBuilding means the build stage is in progress.
	StateBuilding State = "building"
	// StateDeploying means the deploy stage is in progress.
	StateDeploying State = "deploying"
	// StateRegistering means the registration stage is in progress.
	StateRegistering State = "registering"
	// StateActive is terminal: the agent is routable.
	StateActive State = "active"
	// StateFailed is terminal: the record retains the triggering error.
	StateFailed State = "failed"
)

// stateRank orders the forward path. Failed is deliberately absent: it is
// reachable from any non-terminal state, not part of the forward chain.
var stateRank = map[State]int{
	StateQueued:      0,
	StateSettingUp:   1,
	StateBuilding:    2,
	StateDeploying:   3,
	StateRegistering: 4,
	StateActive:      5,
}

// stateProgress is the operator-facing completion percentage per state.
var stateProgress = map[State]int{
	StateQueued:      0,
	StateSettingUp:   10,
	StateBuilding:    40,
	StateDeploying:   70,
	StateRegistering: 90,
	StateActive:      100,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateFailed {
		return true
	}
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether s is a terminal state. Terminal records are never
// overwritten; a redeploy allocates a new deployment id instead.
func (s State) Terminal() bool {
	return s == StateActive || s == StateFailed
}

// Progress returns the completion percentage for s.
func (s State) Progress() int {
	return stateProgress[s]
}

// CanTransition reports whether a worker may move a record from one state to
// another. Moves are monotonic: one step forward along the pipeline, or into
// failed from any non-terminal state. Anything out of a terminal state is
// rejected; cancellation rollback of an active deployment goes through the
// store's dedicated path, not this table.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return to != from
	}
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}
