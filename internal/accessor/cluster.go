package accessor

import (
	"context"
	"errors"

	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
)

// Cluster binds an Accessor to one cluster and exposes typed views of its
// entities.
type Cluster struct {
	acc  *Accessor
	keys KeyBuilder
}

// NewCluster returns the typed accessor for cluster.
func NewCluster(acc *Accessor, cluster string) *Cluster {
	return &Cluster{acc: acc, keys: Keys(cluster)}
}

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.keys.Cluster() }

// Keys returns the path builder.
func (c *Cluster) Keys() KeyBuilder { return c.keys }

// Accessor returns the underlying record accessor.
func (c *Cluster) Accessor() *Accessor { return c.acc }

func getView[T any](ctx context.Context, a *Accessor, path string, wrap func(*record.Record) T) (T, bool, error) {
	var zero T
	rec, ok, err := a.Get(ctx, path)
	if err != nil || !ok {
		return zero, false, err
	}
	return wrap(rec), true, nil
}

func listViews[T any](ctx context.Context, a *Accessor, path string, wrap func(*record.Record) T) ([]T, error) {
	recs, err := a.ChildValues(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		out = append(out, wrap(rec))
	}
	return out, nil
}

func asIdealState(r *record.Record) model.IdealState { return model.IdealState{Record: r} }
func asCurrentState(r *record.Record) model.CurrentState { return model.CurrentState{Record: r} }
func asExternalView(r *record.Record) model.ExternalView { return model.ExternalView{Record: r} }
func asLiveInstance(r *record.Record) model.LiveInstance { return model.LiveInstance{Record: r} }
func asMessage(r *record.Record) model.Message { return model.Message{Record: r} }
func asInstanceConfig(r *record.Record) model.InstanceConfig { return model.InstanceConfig{Record: r} }
func asStateModel(r *record.Record) model.StateModelDefinition {
	return model.StateModelDefinition{Record: r}
}

func (c *Cluster) ClusterConfig(ctx context.Context) (model.ClusterConfig, bool, error) {
	return getView(ctx, c.acc, c.keys.ClusterConfig(), func(r *record.Record) model.ClusterConfig {
		return model.ClusterConfig{Record: r}
	})
}

func (c *Cluster) SetClusterConfig(ctx context.Context, cfg model.ClusterConfig) error {
	return c.acc.Set(ctx, c.keys.ClusterConfig(), cfg.Record)
}

func (c *Cluster) InstanceConfig(ctx context.Context, participant string) (model.InstanceConfig, bool, error) {
	return getView(ctx, c.acc, c.keys.InstanceConfig(participant), asInstanceConfig)
}

func (c *Cluster) InstanceConfigs(ctx context.Context) ([]model.InstanceConfig, error) {
	return listViews(ctx, c.acc, c.keys.InstanceConfigs(), asInstanceConfig)
}

func (c *Cluster) SetInstanceConfig(ctx context.Context, cfg model.InstanceConfig) error {
	return c.acc.Set(ctx, c.keys.InstanceConfig(cfg.Name()), cfg.Record)
}

func (c *Cluster) IdealState(ctx context.Context, resource string) (model.IdealState, bool, error) {
	return getView(ctx, c.acc, c.keys.IdealState(resource), asIdealState)
}

func (c *Cluster) IdealStates(ctx context.Context) ([]model.IdealState, error) {
	return listViews(ctx, c.acc, c.keys.IdealStates(), asIdealState)
}

func (c *Cluster) SetIdealState(ctx context.Context, is model.IdealState) error {
	return c.acc.Set(ctx, c.keys.IdealState(is.Resource()), is.Record)
}

func (c *Cluster) StateModelDef(ctx context.Context, name string) (model.StateModelDefinition, bool, error) {
	return getView(ctx, c.acc, c.keys.StateModelDef(name), asStateModel)
}

// StateModelDefs returns every stored state model keyed by name.
func (c *Cluster) StateModelDefs(ctx context.Context) (map[string]model.StateModelDefinition, error) {
	defs, err := listViews(ctx, c.acc, c.keys.StateModelDefs(), asStateModel)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.StateModelDefinition, len(defs))
	for _, d := range defs {
		out[d.Name()] = d
	}
	return out, nil
}

func (c *Cluster) SetStateModelDef(ctx context.Context, def model.StateModelDefinition) error {
	return c.acc.Set(ctx, c.keys.StateModelDef(def.Name()), def.Record)
}

func (c *Cluster) LiveInstance(ctx context.Context, participant string) (model.LiveInstance, bool, error) {
	return getView(ctx, c.acc, c.keys.LiveInstance(participant), asLiveInstance)
}

func (c *Cluster) LiveInstances(ctx context.Context) ([]model.LiveInstance, error) {
	return listViews(ctx, c.acc, c.keys.LiveInstances(), asLiveInstance)
}

// Participants lists every participant registered under INSTANCES.
func (c *Cluster) Participants(ctx context.Context) ([]string, error) {
	return c.acc.ChildNames(ctx, c.keys.Instances())
}

func (c *Cluster) CurrentState(ctx context.Context, participant, resource string) (model.CurrentState, bool, error) {
	return getView(ctx, c.acc, c.keys.CurrentState(participant, resource), asCurrentState)
}

func (c *Cluster) CurrentStates(ctx context.Context, participant string) ([]model.CurrentState, error) {
	return listViews(ctx, c.acc, c.keys.CurrentStates(participant), asCurrentState)
}

// Messages returns the pending messages of participant.
func (c *Cluster) Messages(ctx context.Context, participant string) ([]model.Message, error) {
	return listViews(ctx, c.acc, c.keys.Messages(participant), asMessage)
}

func (c *Cluster) Message(ctx context.Context, participant, id string) (model.Message, bool, error) {
	return getView(ctx, c.acc, c.keys.Message(participant, id), asMessage)
}

// SendMessage creates msg in the queue of participant. A message already
// present under the same id is reported as store.ErrNodeExists.
func (c *Cluster) SendMessage(ctx context.Context, participant string, msg model.Message) error {
	return c.acc.Create(ctx, c.keys.Message(participant, msg.ID()), msg.Record, store.Persistent)
}

func (c *Cluster) RemoveMessage(ctx context.Context, participant, id string) error {
	return c.acc.Remove(ctx, c.keys.Message(participant, id))
}

func (c *Cluster) ExternalView(ctx context.Context, resource string) (model.ExternalView, bool, error) {
	return getView(ctx, c.acc, c.keys.ExternalView(resource), asExternalView)
}

func (c *Cluster) ExternalViews(ctx context.Context) ([]model.ExternalView, error) {
	return listViews(ctx, c.acc, c.keys.ExternalViews(), asExternalView)
}

func (c *Cluster) SetExternalView(ctx context.Context, view model.ExternalView) error {
	return c.acc.Set(ctx, c.keys.ExternalView(view.Resource()), view.Record)
}

func (c *Cluster) RemoveExternalView(ctx context.Context, resource string) error {
	return c.acc.Remove(ctx, c.keys.ExternalView(resource))
}

func (c *Cluster) ErrorAnnotation(ctx context.Context, resource string) (model.ErrorAnnotation, bool, error) {
	return getView(ctx, c.acc, c.keys.ErrorAnnotation(resource), func(r *record.Record) model.ErrorAnnotation {
		return model.ErrorAnnotation{Record: r}
	})
}

func (c *Cluster) ErrorAnnotations(ctx context.Context) ([]model.ErrorAnnotation, error) {
	return listViews(ctx, c.acc, c.keys.ErrorAnnotations(), func(r *record.Record) model.ErrorAnnotation {
		return model.ErrorAnnotation{Record: r}
	})
}

// ClearAnnotations removes every entry of resource that resolved reports as
// settled and deletes the annotation once nothing is left. It returns the
// number of entries removed.
func (c *Cluster) ClearAnnotations(ctx context.Context, resource string, resolved func(partition, instance string) bool) (int, error) {
	path := c.keys.ErrorAnnotation(resource)
	cleared := 0
	_, err := c.acc.Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		cleared = 0
		if cur == nil {
			return nil, nil
		}
		note := model.ErrorAnnotation{Record: cur}
		for _, partition := range cur.MapKeys() {
			entries, _ := cur.MapField(partition)
			for instance := range entries {
				if resolved(partition, instance) {
					note.Clear(partition, instance)
					cleared++
				}
			}
		}
		if cleared == 0 {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil || cleared == 0 {
		return 0, err
	}
	rec, ok, err := c.acc.Get(ctx, path)
	if err != nil || !ok || !rec.Empty() {
		return cleared, err
	}
	// A concurrent Annotate bumps the version and keeps the node.
	err = c.acc.Client().Delete(ctx, path, rec.Version())
	if err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrNotFound) {
		return cleared, err
	}
	return cleared, nil
}

// RemoveErrorAnnotation deletes the annotation of resource.
func (c *Cluster) RemoveErrorAnnotation(ctx context.Context, resource string) error {
	return c.acc.Remove(ctx, c.keys.ErrorAnnotation(resource))
}

// Annotate merges an error annotation for partition on instance.
func (c *Cluster) Annotate(ctx context.Context, resource, partition, instance, reason string) error {
	note := model.NewErrorAnnotation(resource)
	note.Add(partition, instance, reason)
	_, err := c.acc.Apply(ctx, c.keys.ErrorAnnotation(resource), record.NewUpdate(note.Record))
	return err
}
