package controller

import (
	"slices"
	"strings"

	"pkt.systems/clusterd/internal/model"
)

// Placement is partition → participant → state.
type Placement map[string]map[string]string

// RebalanceInput is what a Rebalancer sees of one resource.
type RebalanceInput struct {
	IdealState model.IdealState
	StateModel model.StateModelDefinition
	// Live lists the live participants, sorted.
	Live []string
	// Enabled reports whether a live participant may host partitions.
	Enabled func(participant string) bool
	// Current is the reported placement of the resource.
	Current Placement
}

// Rebalancer derives the best possible placement of one resource.
type Rebalancer interface {
	BestPossible(in RebalanceInput) Placement
}

// RebalancerFunc adapts a function to Rebalancer.
type RebalancerFunc func(in RebalanceInput) Placement

// BestPossible implements Rebalancer.
func (f RebalancerFunc) BestPossible(in RebalanceInput) Placement { return f(in) }

// AutoRebalancer walks each preference list in order and hands out the
// bounded states by priority. A partition without a preference list is
// ordered by its IdealState map instead.
type AutoRebalancer struct{}

// BestPossible implements Rebalancer.
func (AutoRebalancer) BestPossible(in RebalanceInput) Placement {
	out := make(Placement)
	candidates := in.candidates()
	replicas := in.IdealState.ReplicaCount(len(candidates))
	for _, partition := range in.IdealState.Partitions() {
		var prefs []string
		for _, p := range in.preferences(partition) {
			if slices.Contains(candidates, p) && !slices.Contains(prefs, p) {
				prefs = append(prefs, p)
			}
		}
		counts := in.StateModel.StateCounts(len(candidates), replicas)
		assigned := make(map[string]string)
		i := 0
		for _, state := range in.StateModel.States() {
			n := counts[state]
			for ; n > 0 && i < len(prefs); n-- {
				assigned[prefs[i]] = state
				i++
			}
		}
		out[partition] = assigned
	}
	in.dropUnassigned(out)
	return out
}

// CustomizedRebalancer uses the IdealState map verbatim, restricted to live
// enabled participants.
type CustomizedRebalancer struct{}

// BestPossible implements Rebalancer.
func (CustomizedRebalancer) BestPossible(in RebalanceInput) Placement {
	out := make(Placement)
	candidates := in.candidates()
	for _, partition := range in.IdealState.Partitions() {
		assigned := make(map[string]string)
		for participant, state := range in.IdealState.InstanceStateMap(partition) {
			if slices.Contains(candidates, participant) {
				assigned[participant] = state
			}
		}
		out[partition] = assigned
	}
	in.dropUnassigned(out)
	return out
}

// preferences returns the preference list of partition. Without one, the
// participants named by the partition's state map are ordered by state
// priority, then by name.
func (in RebalanceInput) preferences(partition string) []string {
	if list := in.IdealState.PreferenceList(partition); len(list) > 0 {
		return list
	}
	states := in.IdealState.InstanceStateMap(partition)
	out := make([]string, 0, len(states))
	for p := range states {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b string) int {
		if d := in.StateModel.Priority(states[a]) - in.StateModel.Priority(states[b]); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return out
}

func (in RebalanceInput) candidates() []string {
	out := make([]string, 0, len(in.Live))
	for _, p := range in.Live {
		if in.Enabled == nil || in.Enabled(p) {
			out = append(out, p)
		}
	}
	return out
}

// dropUnassigned targets every holder the placement left out: disabled
// participants fall back to the initial state, everyone else is dropped.
func (in RebalanceInput) dropUnassigned(out Placement) {
	for partition, holders := range in.Current {
		assigned, ok := out[partition]
		if !ok {
			assigned = make(map[string]string)
			out[partition] = assigned
		}
		for participant := range holders {
			if _, ok := assigned[participant]; ok {
				continue
			}
			if in.Enabled != nil && !in.Enabled(participant) {
				assigned[participant] = in.StateModel.InitialState()
				continue
			}
			assigned[participant] = model.StateDropped
		}
	}
}
