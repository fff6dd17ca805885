package deployment

import "time"

// ErrorKind labels why a deployment failed, mirroring the stage error
// taxonomy so status clients can distinguish a bad manifest from a flaky
// build engine without parsing error text.
const (
	ErrorKindValidation = "validation"
	ErrorKindTransient  = "transient"
	ErrorKindPermanent  = "permanent"
	ErrorKindCancelled  = "cancelled"
)

// Record is the mutable projection for one deployment attempt. It is owned
// exclusively by the worker holding the deployment's lease; everyone else
// reads snapshots. Terminal records are immutable history.
type Record struct {
	ID          string               `json:"id"`
	AgentName   string               `json:"agent_name"`
	Version     string               `json:"version,omitempty"`
	State       State                `json:"state"`
	ArtifactURL string               `json:"artifact_url,omitempty"`
	ImageRef    string               `json:"image_ref,omitempty"`
	RouteTarget string               `json:"route_target,omitempty"`
	RouteRef    string               `json:"route_ref,omitempty"`
	ErrorKind   string               `json:"error_kind,omitempty"`
	ErrorDetail string               `json:"error_detail,omitempty"`
	Attempts    int                  `json:"attempts"`
	StageTimes  map[State]time.Time  `json:"stage_times,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Progress returns the completion percentage. A failed record reports the
// progress of the last stage it completed.
func (r *Record) Progress() int {
	if r.State != StateFailed {
		return r.State.Progress()
	}
	return r.LastSuccessfulState().Progress()
}

// LastSuccessfulState returns the last stage the deployment completed before
// its current state. For a failed record this is the stage before the one
// that was in progress when the failure happened; for active it is active.
func (r *Record) LastSuccessfulState() State {
	highest := StateQueued
	rank := -1
	for s := range r.StageTimes {
		if sr, ok := stateRank[s]; ok && sr > rank {
			rank = sr
			highest = s
		}
	}
	if r.State != StateFailed {
		return highest
	}
	if highest == StateActive {
		// Cancelled after going active: every stage had completed.
		return StateActive
	}
	if rank <= 0 {
		return StateQueued
	}
	for s, sr := range stateRank {
		if sr == rank-1 {
			return s
		}
	}
	return StateQueued
}

// cloneStageTimes copies the stage timestamp map so store writes never alias
// the caller's record.
func cloneStageTimes(in map[State]time.Time) map[State]time.Time {
	out := make(map[State]time.Time, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
