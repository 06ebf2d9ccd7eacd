package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/election"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/store"
)

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pkt.systems/clusterd/message"))

// MessageID derives the id of the message that moves participant (in
// session) from one state to another for a partition. Re-publishing the
// same step yields the same id.
func MessageID(t model.Transition, participant, session string) string {
	key := strings.Join([]string{t.Resource, t.Partition, participant, t.From, t.To, session}, "/")
	return uuid.NewSHA1(messageNamespace, []byte(key)).String()
}

// Result summarises one reconciliation pass.
type Result struct {
	MessagesSent         int
	MessagesDeleted      int
	MessagesTimedOut     int
	AnnotationsCleared   int
	ExternalViewsWritten int
	ExternalViewsRemoved int
	Paused               bool

	// watch lists the per-entity paths the pass depended on.
	watch []watchKey
}

// Pipeline computes and publishes one reconciliation pass.
type Pipeline struct {
	cluster        *accessor.Cluster
	source         string
	logger         pslog.Logger
	clock          clock.Clock
	messageTimeout time.Duration
	rebalancers    map[model.RebalanceMode]Rebalancer
}

type snapshot struct {
	config      model.ClusterConfig
	live        map[string]model.LiveInstance
	liveNames   []string
	configs     map[string]model.InstanceConfig
	idealStates map[string]model.IdealState
	stateModels map[string]model.StateModelDefinition
	// current is participant → resource, restricted to records written by
	// the participant's live session.
	current     map[string]map[string]model.CurrentState
	messages    map[string][]model.Message
	views       map[string]model.ExternalView
	annotations []model.ErrorAnnotation
}

func (p *Pipeline) read(ctx context.Context) (*snapshot, error) {
	s := &snapshot{
		live:        make(map[string]model.LiveInstance),
		configs:     make(map[string]model.InstanceConfig),
		idealStates: make(map[string]model.IdealState),
		current:     make(map[string]map[string]model.CurrentState),
		messages:    make(map[string][]model.Message),
		views:       make(map[string]model.ExternalView),
	}
	cfg, _, err := p.cluster.ClusterConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.config = cfg
	lives, err := p.cluster.LiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	for _, li := range lives {
		s.live[li.Name()] = li
		s.liveNames = append(s.liveNames, li.Name())
	}
	sort.Strings(s.liveNames)
	configs, err := p.cluster.InstanceConfigs(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		s.configs[c.Name()] = c
	}
	ideals, err := p.cluster.IdealStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, is := range ideals {
		if err := is.Validate(); err != nil {
			p.logger.Warn("controller.idealstate.invalid", "resource", is.Resource(), "error", err)
			continue
		}
		s.idealStates[is.Resource()] = is
	}
	if s.stateModels, err = p.cluster.StateModelDefs(ctx); err != nil {
		return nil, err
	}
	views, err := p.cluster.ExternalViews(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		s.views[v.Resource()] = v
	}
	if s.annotations, err = p.cluster.ErrorAnnotations(ctx); err != nil {
		return nil, err
	}
	participants, err := p.cluster.Participants(ctx)
	if err != nil {
		return nil, err
	}
	type perParticipant struct {
		current  map[string]model.CurrentState
		messages []model.Message
	}
	results := make([]perParticipant, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range participants {
		g.Go(func() error {
			msgs, err := p.cluster.Messages(gctx, name)
			if err != nil {
				return err
			}
			results[i].messages = msgs
			li, live := s.live[name]
			if !live {
				return nil
			}
			states, err := p.cluster.CurrentStates(gctx, name)
			if err != nil {
				return err
			}
			results[i].current = make(map[string]model.CurrentState)
			for _, cs := range states {
				if cs.SessionID() == li.SessionID() {
					results[i].current[cs.Resource()] = cs
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, name := range participants {
		if len(results[i].messages) > 0 {
			s.messages[name] = results[i].messages
		}
		if results[i].current != nil {
			s.current[name] = results[i].current
		}
	}
	return s, nil
}

func (s *snapshot) enabled(participant string) bool {
	cfg, ok := s.configs[participant]
	if !ok {
		return true
	}
	return cfg.Enabled()
}

// resources returns every resource with an IdealState or a reported
// current state.
func (s *snapshot) resources() []string {
	set := make(map[string]struct{})
	for r := range s.idealStates {
		set[r] = struct{}{}
	}
	for _, byResource := range s.current {
		for r := range byResource {
			set[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// currentPlacement returns partition → participant → state of resource.
func (s *snapshot) currentPlacement(resource string) Placement {
	out := make(Placement)
	for participant, byResource := range s.current {
		cs, ok := byResource[resource]
		if !ok {
			continue
		}
		for partition, state := range cs.PartitionStates() {
			if out[partition] == nil {
				out[partition] = make(map[string]string)
			}
			out[partition][participant] = state
		}
	}
	return out
}

func (s *snapshot) stateModelOf(resource string) (model.StateModelDefinition, bool) {
	name := ""
	if is, ok := s.idealStates[resource]; ok {
		name = is.StateModelDefRef()
	} else {
		for _, byResource := range s.current {
			if cs, ok := byResource[resource]; ok && cs.StateModelDef() != "" {
				name = cs.StateModelDef()
				break
			}
		}
	}
	def, ok := s.stateModels[name]
	return def, ok
}

// Run executes read, message hygiene, best possible state, message
// generation, publish and external view stages.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	var res Result
	snap, err := p.read(ctx)
	if err != nil {
		return res, fmt.Errorf("controller: read cluster: %w", err)
	}
	res.watch = p.watchKeys(snap)
	if err := p.hygiene(ctx, snap, &res); err != nil {
		return res, err
	}
	if err := p.settle(ctx, snap, &res); err != nil {
		return res, err
	}
	res.Paused = snap.config.Paused()
	if !res.Paused {
		for _, resource := range snap.resources() {
			msgs := p.generate(snap, resource)
			if err := p.publish(ctx, msgs, &res); err != nil {
				return res, err
			}
		}
	}
	if err := p.externalViews(ctx, snap, &res); err != nil {
		return res, err
	}
	return res, nil
}

func leadershipLost(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, election.ErrElectionLost) || errors.Is(cause, election.ErrStopped) {
		return fmt.Errorf("controller: %w", election.ErrElectionLost)
	}
	return ctx.Err()
}

// hygiene removes messages addressed to dead sessions and times out
// messages that were never acknowledged.
func (p *Pipeline) hygiene(ctx context.Context, snap *snapshot, res *Result) error {
	now := p.clock.Now()
	timeout := snap.config.MessageTimeout(p.messageTimeout)
	for participant, msgs := range snap.messages {
		li, live := snap.live[participant]
		kept := msgs[:0]
		for _, msg := range msgs {
			if err := leadershipLost(ctx); err != nil {
				return err
			}
			if !live || msg.TargetSession() != li.SessionID() {
				if err := p.cluster.RemoveMessage(ctx, participant, msg.ID()); err != nil {
					return err
				}
				res.MessagesDeleted++
				p.logger.Debug("controller.message.stale", "participant", participant, "message", msg.ID())
				continue
			}
			if msg.State() == model.MessageNew && msg.Expired(now, timeout) {
				msg.SetState(model.MessageTimeout)
				path := p.cluster.Keys().Message(participant, msg.ID())
				if err := p.cluster.Accessor().SetIfVersion(ctx, path, msg.Record, msg.Version()); err != nil {
					if !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
						return err
					}
				} else {
					t := msg.Transition()
					reason := fmt.Sprintf("message %s %s-%s timed out after %s", msg.ID(), t.From, t.To, timeout)
					if err := p.cluster.Annotate(ctx, t.Resource, t.Partition, participant, reason); err != nil {
						return err
					}
					res.MessagesTimedOut++
					p.logger.Warn("controller.message.timeout", "participant", participant, "resource", t.Resource, "partition", t.Partition, "message", msg.ID())
				}
			}
			kept = append(kept, msg)
		}
		snap.messages[participant] = kept
	}
	return nil
}

// settle clears the annotations of pairs that no longer hold a TIMEOUT or
// ERROR message, such as after the participant reconnected.
func (p *Pipeline) settle(ctx context.Context, snap *snapshot, res *Result) error {
	for _, note := range snap.annotations {
		if err := leadershipLost(ctx); err != nil {
			return err
		}
		resource := note.ID()
		n, err := p.cluster.ClearAnnotations(ctx, resource, func(partition, instance string) bool {
			for _, msg := range snap.messages[instance] {
				if msg.Resource() == resource && msg.Partition() == partition && msg.State() != model.MessageNew {
					return false
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		if n > 0 {
			res.AnnotationsCleared += n
			p.logger.Info("controller.annotation.cleared", "resource", resource, "entries", n)
		}
	}
	return nil
}

type pendingMessage struct {
	participant string
	msg         model.Message
}

// generate computes the messages that move resource one step closer to its
// best possible placement.
func (p *Pipeline) generate(snap *snapshot, resource string) []pendingMessage {
	def, ok := snap.stateModelOf(resource)
	if !ok {
		p.logger.Warn("controller.statemodel.missing", "resource", resource)
		return nil
	}
	current := snap.currentPlacement(resource)
	var best Placement
	is, managed := snap.idealStates[resource]
	if managed {
		best = p.rebalancer(is.Mode()).BestPossible(RebalanceInput{
			IdealState: is,
			StateModel: def,
			Live:       snap.liveNames,
			Enabled:    snap.enabled,
			Current:    current,
		})
	} else {
		best = make(Placement)
		for partition, holders := range current {
			best[partition] = make(map[string]string, len(holders))
			for participant := range holders {
				best[partition][participant] = model.StateDropped
			}
		}
	}

	pending := make(map[string]map[string]model.Message)
	for participant, msgs := range snap.messages {
		for _, msg := range msgs {
			if msg.Resource() != resource {
				continue
			}
			if pending[msg.Partition()] == nil {
				pending[msg.Partition()] = make(map[string]model.Message)
			}
			pending[msg.Partition()][participant] = msg
		}
	}

	candidates := 0
	for _, name := range snap.liveNames {
		if snap.enabled(name) {
			candidates++
		}
	}
	replicas := candidates
	if managed {
		replicas = is.ReplicaCount(candidates)
	}
	bounds := def.StateCounts(candidates, replicas)
	initial := def.InitialState()

	var out []pendingMessage
	partitions := make([]string, 0, len(best))
	for partition := range best {
		partitions = append(partitions, partition)
	}
	sort.Strings(partitions)
	for _, partition := range partitions {
		desired := best[partition]
		held := current[partition]
		waiting := pending[partition]

		occupancy := make(map[string]int)
		for participant, state := range held {
			occupancy[state]++
			if msg, ok := waiting[participant]; ok && msg.Transition().To != state {
				occupancy[msg.Transition().To]++
			}
		}
		for participant, msg := range waiting {
			if _, ok := held[participant]; !ok {
				occupancy[msg.Transition().To]++
			}
		}
		// A bounded state admits its resolved count, widened to cover every
		// participant headed to it or to a higher priority state.
		limit := func(state string) int {
			if def.Bound(state) == "" {
				return -1
			}
			rank := def.Priority(state)
			headed := 0
			for _, s := range desired {
				if s != model.StateDropped && def.Priority(s) <= rank {
					headed++
				}
			}
			return max(bounds[state], headed)
		}

		type step struct {
			participant string
			from, to    string
		}
		var steps []step
		for participant, target := range desired {
			if _, ok := waiting[participant]; ok {
				continue
			}
			if _, ok := snap.live[participant]; !ok {
				continue
			}
			from, holds := held[participant]
			if !holds {
				if target == model.StateDropped {
					continue
				}
				from = initial
			}
			if from == target || from == model.StateError {
				continue
			}
			next, ok := def.NextState(from, target)
			if !ok {
				p.logger.Warn("controller.transition.unreachable",
					"resource", resource, "partition", partition, "participant", participant,
					"from", from, "to", target)
				continue
			}
			steps = append(steps, step{participant: participant, from: from, to: next})
		}
		sort.Slice(steps, func(i, j int) bool {
			pi := def.TransitionPriority(steps[i].from, steps[i].to)
			pj := def.TransitionPriority(steps[j].from, steps[j].to)
			if pi != pj {
				return pi < pj
			}
			return steps[i].participant < steps[j].participant
		})
		for _, st := range steps {
			promotion := def.Priority(st.to) < def.Priority(st.from)
			if promotion {
				if l := limit(st.to); l >= 0 && occupancy[st.to] >= l {
					p.logger.Trace("controller.transition.throttled",
						"resource", resource, "partition", partition, "participant", st.participant,
						"to", st.to, "limit", l)
					continue
				}
			}
			occupancy[st.to]++
			t := model.Transition{
				Resource:      resource,
				Partition:     partition,
				From:          st.from,
				To:            st.to,
				StateModelDef: def.Name(),
			}
			session := snap.live[st.participant].SessionID()
			msg := model.NewTransitionMessage(MessageID(t, st.participant, session), t, p.source, st.participant, session, p.clock.Now())
			out = append(out, pendingMessage{participant: st.participant, msg: msg})
		}
	}
	return out
}

func (p *Pipeline) rebalancer(mode model.RebalanceMode) Rebalancer {
	if r, ok := p.rebalancers[mode]; ok && r != nil {
		return r
	}
	if mode == model.ModeCustomized {
		return CustomizedRebalancer{}
	}
	return AutoRebalancer{}
}

// publish creates messages at their deterministic ids. Existing ids mean the
// step was already published by this or an earlier leader.
func (p *Pipeline) publish(ctx context.Context, msgs []pendingMessage, res *Result) error {
	for _, pm := range msgs {
		if err := leadershipLost(ctx); err != nil {
			return err
		}
		err := p.cluster.SendMessage(ctx, pm.participant, pm.msg)
		switch {
		case err == nil:
			res.MessagesSent++
			t := pm.msg.Transition()
			p.logger.Debug("controller.message.sent",
				"participant", pm.participant, "resource", t.Resource, "partition", t.Partition,
				"from", t.From, "to", t.To, "message", pm.msg.ID())
		case errors.Is(err, store.ErrNodeExists):
		default:
			if lost := leadershipLost(ctx); lost != nil {
				return lost
			}
			return fmt.Errorf("controller: publish message: %w", err)
		}
	}
	return nil
}

// externalViews aggregates the live current states of every resource and
// writes the views that changed.
func (p *Pipeline) externalViews(ctx context.Context, snap *snapshot, res *Result) error {
	for _, resource := range snap.resources() {
		if err := leadershipLost(ctx); err != nil {
			return err
		}
		view := model.NewExternalView(resource)
		for partition, holders := range snap.currentPlacement(resource) {
			for participant, state := range holders {
				if state == model.StateDropped {
					continue
				}
				view.SetMapFieldEntry(partition, participant, state)
			}
		}
		_, managed := snap.idealStates[resource]
		existing, exists := snap.views[resource]
		if !managed && len(view.MapKeys()) == 0 {
			continue
		}
		if exists && existing.Equal(view.Record) {
			continue
		}
		if err := p.cluster.SetExternalView(ctx, view); err != nil {
			return err
		}
		res.ExternalViewsWritten++
		p.logger.Debug("controller.externalview.written", "resource", resource, "partitions", len(view.MapKeys()))
	}
	for resource := range snap.views {
		if _, managed := snap.idealStates[resource]; managed {
			continue
		}
		if p.hasHolders(snap, resource) {
			continue
		}
		if err := leadershipLost(ctx); err != nil {
			return err
		}
		if err := p.cluster.RemoveExternalView(ctx, resource); err != nil {
			return err
		}
		res.ExternalViewsRemoved++
		p.logger.Debug("controller.externalview.removed", "resource", resource)
	}
	return nil
}

func (p *Pipeline) hasHolders(snap *snapshot, resource string) bool {
	for _, holders := range snap.currentPlacement(resource) {
		for _, state := range holders {
			if state != model.StateDropped {
				return true
			}
		}
	}
	return false
}

// watchKeys lists the per-entity paths whose changes should trigger the
// next pass.
func (p *Pipeline) watchKeys(snap *snapshot) []watchKey {
	keys := p.cluster.Keys()
	var out []watchKey
	for resource := range snap.idealStates {
		out = append(out, watchKey{path: keys.IdealState(resource), kind: store.WatchData})
	}
	for _, participant := range snap.liveNames {
		out = append(out,
			watchKey{path: keys.CurrentStates(participant), kind: store.WatchChildren},
			watchKey{path: keys.Messages(participant), kind: store.WatchChildren},
			watchKey{path: keys.InstanceConfig(participant), kind: store.WatchData},
		)
		for resource := range snap.current[participant] {
			out = append(out, watchKey{path: keys.CurrentState(participant, resource), kind: store.WatchData})
		}
	}
	return out
}
