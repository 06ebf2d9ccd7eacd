package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"pkt.systems/clusterd/internal/correlation"
	"pkt.systems/clusterd/internal/metrics"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
)

// drain executes every NEW message in the queue. Messages of one partition
// run in creation order; partitions run concurrently.
func (r *Runtime) drain(ctx context.Context, session string) error {
	msgs, err := r.cluster.Messages(ctx, r.name)
	if err != nil {
		return err
	}
	batches := make(map[string][]model.Message)
	var order []string
	for _, msg := range msgs {
		if msg.State() != model.MessageNew {
			continue
		}
		key := msg.Resource() + "/" + msg.Partition()
		if _, ok := batches[key]; !ok {
			order = append(order, key)
		}
		batches[key] = append(batches[key], msg)
	}
	if len(order) == 0 {
		return nil
	}
	defs, err := r.cluster.StateModelDefs(ctx)
	if err != nil {
		return err
	}
	sort.Strings(order)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, key := range order {
		batch := batches[key]
		sort.Slice(batch, func(i, j int) bool {
			ti, tj := batch[i].CreatedAt(), batch[j].CreatedAt()
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return batch[i].ID() < batch[j].ID()
		})
		g.Go(func() error {
			for _, msg := range batch {
				if err := r.handle(gctx, session, defs, msg); err != nil && !isDomainError(err) {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrStaleTransition) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrHandlerFailure)
}

// handle executes one message. Domain failures are logged, recorded and
// returned; store failures are returned so the message is retried on the
// next pass.
func (r *Runtime) handle(ctx context.Context, session string, defs map[string]model.StateModelDefinition, msg model.Message) error {
	if msg.State() != model.MessageNew {
		return nil
	}
	tr := msg.Transition()
	logger := r.logger.With("resource", tr.Resource, "partition", tr.Partition, "from", tr.From, "to", tr.To, "message", msg.ID())
	if msg.TargetSession() != session {
		logger.Debug("participant.message.session_mismatch", "target_session", msg.TargetSession())
		return r.discard(ctx, msg)
	}
	def, ok := defs[tr.StateModelDef]
	if !ok {
		r.outcome("illegal")
		logger.Warn("participant.message.unknown_state_model", "state_model", tr.StateModelDef)
		if err := r.discard(ctx, msg); err != nil {
			return err
		}
		return fmt.Errorf("%w: unknown state model %q", ErrIllegalTransition, tr.StateModelDef)
	}
	current, err := r.recordedState(ctx, session, def, tr)
	if err != nil {
		return err
	}
	if current == tr.To {
		r.outcome("noop")
		logger.Debug("participant.message.already_applied")
		return r.discard(ctx, msg)
	}
	if current != tr.From {
		r.outcome("stale")
		logger.Warn("participant.message.stale", "recorded", current)
		if err := r.discard(ctx, msg); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s is %s, message expects %s", ErrStaleTransition, tr.Resource, tr.Partition, current, tr.From)
	}
	if _, err := def.Step(ctx, tr.From, tr.To); err != nil {
		r.outcome("illegal")
		logger.Warn("participant.message.illegal", "error", err)
		if derr := r.discard(ctx, msg); derr != nil {
			return derr
		}
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}

	if herr := r.invoke(correlation.With(ctx, msg.ID()), tr); herr != nil {
		r.outcome("error")
		logger.Error("participant.transition.failed", "error", herr)
		if err := r.writeState(ctx, session, tr, model.StateError, herr.Error()); err != nil {
			return err
		}
		msg.SetState(model.MessageError)
		path := r.cluster.Keys().Message(r.name, msg.ID())
		if err := r.cluster.Accessor().SetIfVersion(ctx, path, msg.Record, msg.Version()); err != nil &&
			!errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s/%s %s-%s: %v", ErrHandlerFailure, tr.Resource, tr.Partition, tr.From, tr.To, herr)
	}
	if err := r.writeState(ctx, session, tr, tr.To, ""); err != nil {
		return err
	}
	if err := r.discard(ctx, msg); err != nil {
		return err
	}
	r.outcome("ok")
	logger.Info("participant.transition.done")
	return nil
}

// recordedState returns the state session recorded for the partition, or
// the initial state when nothing is recorded.
func (r *Runtime) recordedState(ctx context.Context, session string, def model.StateModelDefinition, tr model.Transition) (string, error) {
	cs, ok, err := r.cluster.CurrentState(ctx, r.name, tr.Resource)
	if err != nil {
		return "", err
	}
	if ok && cs.SessionID() == session {
		if state, ok := cs.State(tr.Partition); ok {
			return state, nil
		}
	}
	return def.InitialState(), nil
}

func (r *Runtime) invoke(ctx context.Context, tr model.Transition) (err error) {
	h := r.handler(tr.StateModelDef)
	if h == nil {
		return fmt.Errorf("no handler registered for state model %s", tr.StateModelDef)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Transition(ctx, tr)
}

// writeState records state for the partition of tr. DROPPED removes the
// entry. Writes from a session that is no longer current are skipped.
func (r *Runtime) writeState(ctx context.Context, session string, tr model.Transition, state, info string) error {
	path := r.cluster.Keys().CurrentState(r.name, tr.Resource)
	_, err := r.cluster.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		if r.client.SessionID() != session {
			return nil, nil
		}
		cs := model.NewCurrentState(tr.Resource, session, tr.StateModelDef)
		if cur != nil {
			cs = model.CurrentState{Record: cur}
			cs.SetSessionID(session)
			cs.SetStateModelDef(tr.StateModelDef)
		}
		if state == model.StateDropped {
			cs.RemovePartition(tr.Partition)
			return cs.Record, nil
		}
		cs.SetState(tr.Partition, state)
		if info == "" {
			cs.ClearInfo(tr.Partition)
		} else {
			cs.SetInfo(tr.Partition, info)
		}
		return cs.Record, nil
	})
	if err != nil {
		return fmt.Errorf("participant: write current state: %w", err)
	}
	return nil
}

func (r *Runtime) discard(ctx context.Context, msg model.Message) error {
	return r.cluster.RemoveMessage(ctx, r.name, msg.ID())
}

func (r *Runtime) outcome(outcome string) {
	metrics.Transition(r.cluster.Name(), r.name, outcome)
}
