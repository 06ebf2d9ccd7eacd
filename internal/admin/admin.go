// Package admin sets up clusters and edits their desired state: instances,
// resources, state models and cluster level switches.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/election"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/svcfields"
)

var (
	// ErrExists reports an entity that is already present.
	ErrExists = errors.New("admin: already exists")
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("admin: not found")
	// ErrInstanceLive reports an operation refused while the instance is live.
	ErrInstanceLive = errors.New("admin: instance is live")
	// ErrNotInError reports a reset of a partition that is not in ERROR.
	ErrNotInError = errors.New("admin: partition not in ERROR state")
)

// Admin edits one cluster.
type Admin struct {
	client  store.Client
	cluster *accessor.Cluster
	logger  pslog.Logger
}

// Option customises an Admin.
type Option func(*Admin)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(a *Admin) { a.logger = logger }
}

// New returns an Admin for cluster.
func New(client store.Client, cluster string, opts ...Option) *Admin {
	a := &Admin{client: client}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = svcfields.Cluster(svcfields.WithSubsystem(a.logger, "admin"), cluster, "")
	a.cluster = accessor.NewCluster(accessor.New(client, accessor.WithLogger(a.logger)), cluster)
	return a
}

// Cluster exposes the typed accessor of the cluster.
func (a *Admin) Cluster() *accessor.Cluster { return a.cluster }

// AddCluster creates the path skeleton, the built-in state models and the
// cluster config. Existing entries are left alone.
func (a *Admin) AddCluster(ctx context.Context) error {
	acc := a.cluster.Accessor()
	keys := a.cluster.Keys()
	for _, p := range keys.Skeleton() {
		if err := acc.EnsurePath(ctx, p); err != nil {
			return fmt.Errorf("admin: create %s: %w", p, err)
		}
	}
	for _, def := range model.BuiltinStateModels() {
		err := acc.Create(ctx, keys.StateModelDef(def.Name()), def.Record, store.Persistent)
		if err != nil && !errors.Is(err, store.ErrNodeExists) {
			return fmt.Errorf("admin: state model %s: %w", def.Name(), err)
		}
	}
	err := acc.Create(ctx, keys.ClusterConfig(), model.NewClusterConfig(keys.Cluster()).Record, store.Persistent)
	if err != nil && !errors.Is(err, store.ErrNodeExists) {
		return fmt.Errorf("admin: cluster config: %w", err)
	}
	a.logger.Info("admin.cluster.added")
	return nil
}

// DropCluster removes every node of the cluster. Live components should be
// stopped first.
func (a *Admin) DropCluster(ctx context.Context) error {
	if err := a.cluster.Accessor().RemoveTree(ctx, a.cluster.Keys().Root()); err != nil {
		return fmt.Errorf("admin: drop cluster: %w", err)
	}
	a.logger.Info("admin.cluster.dropped")
	return nil
}

// AddStateModel installs def after validating it.
func (a *Admin) AddStateModel(ctx context.Context, def model.StateModelDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return a.cluster.SetStateModelDef(ctx, def)
}

// AddInstance registers a participant configuration.
func (a *Admin) AddInstance(ctx context.Context, name, host string, port int) error {
	cfg := model.NewInstanceConfig(name)
	if host != "" {
		cfg.SetAddress(host, port)
	}
	err := a.cluster.Accessor().Create(ctx, a.cluster.Keys().InstanceConfig(name), cfg.Record, store.Persistent)
	if errors.Is(err, store.ErrNodeExists) {
		return fmt.Errorf("%w: instance %s", ErrExists, name)
	}
	if err != nil {
		return err
	}
	if err := a.cluster.Accessor().EnsurePath(ctx, a.cluster.Keys().Instance(name)); err != nil {
		return err
	}
	a.logger.Info("admin.instance.added", "name", name)
	return nil
}

// EnableInstance toggles whether name may host partitions.
func (a *Admin) EnableInstance(ctx context.Context, name string, enabled bool) error {
	path := a.cluster.Keys().InstanceConfig(name)
	_, err := a.cluster.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: instance %s", ErrNotFound, name)
		}
		model.InstanceConfig{Record: cur}.SetEnabled(enabled)
		return cur, nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("admin.instance.enabled", "name", name, "enabled", enabled)
	return nil
}

// DropInstance removes the configuration and queues of a participant that
// is not live.
func (a *Admin) DropInstance(ctx context.Context, name string) error {
	if _, live, err := a.cluster.LiveInstance(ctx, name); err != nil {
		return err
	} else if live {
		return fmt.Errorf("%w: %s", ErrInstanceLive, name)
	}
	acc := a.cluster.Accessor()
	if err := acc.RemoveTree(ctx, a.cluster.Keys().Instance(name)); err != nil {
		return err
	}
	if err := acc.Remove(ctx, a.cluster.Keys().InstanceConfig(name)); err != nil {
		return err
	}
	a.logger.Info("admin.instance.dropped", "name", name)
	return nil
}

// Instances lists the configured participants.
func (a *Admin) Instances(ctx context.Context) ([]string, error) {
	return a.cluster.Accessor().ChildNames(ctx, a.cluster.Keys().InstanceConfigs())
}

// AddResource creates the IdealState of resource with partitions named
// {resource}_{i}. Placement is filled in by Rebalance.
func (a *Admin) AddResource(ctx context.Context, resource string, partitions int, stateModel string, mode model.RebalanceMode) error {
	if partitions <= 0 {
		return fmt.Errorf("admin: resource %s: partitions must be positive", resource)
	}
	if _, ok, err := a.cluster.StateModelDef(ctx, stateModel); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: state model %s", ErrNotFound, stateModel)
	}
	is := model.NewIdealState(resource)
	is.SetStateModelDefRef(stateModel)
	is.SetNumPartitions(partitions)
	is.SetMode(mode)
	err := a.cluster.Accessor().Create(ctx, a.cluster.Keys().IdealState(resource), is.Record, store.Persistent)
	if errors.Is(err, store.ErrNodeExists) {
		return fmt.Errorf("%w: resource %s", ErrExists, resource)
	}
	if err != nil {
		return err
	}
	a.logger.Info("admin.resource.added", "resource", resource, "partitions", partitions, "state_model", stateModel)
	return nil
}

// Resources lists the resources with an IdealState.
func (a *Admin) Resources(ctx context.Context) ([]string, error) {
	return a.cluster.Accessor().ChildNames(ctx, a.cluster.Keys().IdealStates())
}

// DropResource removes the IdealState and its error annotation. The
// controller then drops the partitions from every participant and deletes
// the view.
func (a *Admin) DropResource(ctx context.Context, resource string) error {
	if err := a.cluster.Accessor().Remove(ctx, a.cluster.Keys().IdealState(resource)); err != nil {
		return err
	}
	if err := a.cluster.RemoveErrorAnnotation(ctx, resource); err != nil {
		return err
	}
	a.logger.Info("admin.resource.dropped", "resource", resource)
	return nil
}

// PartitionName returns the name of partition i of resource.
func PartitionName(resource string, i int) string {
	return resource + "_" + strconv.Itoa(i)
}

// Rebalance spreads the partitions of resource over the configured
// instances round robin with the given replica count. AUTO resources get
// preference lists; CUSTOMIZED resources get explicit state maps.
func (a *Admin) Rebalance(ctx context.Context, resource string, replicas int) error {
	instances, err := a.Instances(ctx)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("admin: rebalance %s: no instances", resource)
	}
	slices.Sort(instances)
	if replicas <= 0 || replicas > len(instances) {
		replicas = len(instances)
	}
	path := a.cluster.Keys().IdealState(resource)
	defs, err := a.cluster.StateModelDefs(ctx)
	if err != nil {
		return err
	}
	_, err = a.cluster.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: resource %s", ErrNotFound, resource)
		}
		is := model.IdealState{Record: cur}
		def, ok := defs[is.StateModelDefRef()]
		if !ok {
			return nil, fmt.Errorf("%w: state model %s", ErrNotFound, is.StateModelDefRef())
		}
		is.SetReplicas(replicas)
		for i := range is.NumPartitions() {
			partition := PartitionName(resource, i)
			prefs := make([]string, 0, replicas)
			for j := range replicas {
				prefs = append(prefs, instances[(i+j)%len(instances)])
			}
			if is.Mode() == model.ModeCustomized {
				is.SetInstanceStateMap(partition, assign(def, prefs, len(instances), replicas))
				continue
			}
			is.SetPreferenceList(partition, prefs)
		}
		return is.Record, nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("admin.resource.rebalanced", "resource", resource, "replicas", replicas, "instances", len(instances))
	return nil
}

// assign hands out the bounded states of def along prefs.
func assign(def model.StateModelDefinition, prefs []string, live, replicas int) map[string]string {
	counts := def.StateCounts(live, replicas)
	out := make(map[string]string, len(prefs))
	i := 0
	for _, state := range def.States() {
		for n := counts[state]; n > 0 && i < len(prefs); n-- {
			out[prefs[i]] = state
			i++
		}
	}
	return out
}

// SetPaused stops or resumes message generation for the whole cluster.
func (a *Admin) SetPaused(ctx context.Context, paused bool) error {
	return a.updateClusterConfig(ctx, func(cfg model.ClusterConfig) { cfg.SetPaused(paused) })
}

// SetMessageTimeout sets how long a message may stay unacknowledged.
func (a *Admin) SetMessageTimeout(ctx context.Context, d time.Duration) error {
	return a.updateClusterConfig(ctx, func(cfg model.ClusterConfig) { cfg.SetMessageTimeout(d) })
}

func (a *Admin) updateClusterConfig(ctx context.Context, edit func(model.ClusterConfig)) error {
	keys := a.cluster.Keys()
	_, err := a.cluster.Accessor().Update(ctx, keys.ClusterConfig(), func(cur *record.Record) (*record.Record, error) {
		cfg := model.NewClusterConfig(keys.Cluster())
		if cur != nil {
			cfg = model.ClusterConfig{Record: cur}
		}
		edit(cfg)
		return cfg.Record, nil
	})
	return err
}

// ResetPartition clears an ERROR or timed out partition on instance:
// failed and timed out messages for the partition are removed, an ERROR
// state returns to the initial state and the error annotation is cleared.
// It fails with ErrNotInError when there was nothing to clear.
func (a *Admin) ResetPartition(ctx context.Context, instance, resource, partition string) error {
	live, ok, err := a.cluster.LiveInstance(ctx, instance)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: live instance %s", ErrNotFound, instance)
	}
	msgs, err := a.cluster.Messages(ctx, instance)
	if err != nil {
		return err
	}
	removed := 0
	for _, msg := range msgs {
		if msg.Resource() != resource || msg.Partition() != partition || msg.State() == model.MessageNew {
			continue
		}
		if err := a.cluster.RemoveMessage(ctx, instance, msg.ID()); err != nil {
			return err
		}
		removed++
	}

	path := a.cluster.Keys().CurrentState(instance, resource)
	var wasError bool
	_, err = a.cluster.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		wasError = false
		if cur == nil {
			return nil, nil
		}
		cs := model.CurrentState{Record: cur}
		if cs.SessionID() != live.SessionID() {
			return nil, nil
		}
		if state, _ := cs.State(partition); state != model.StateError {
			return nil, nil
		}
		def, ok, err := a.cluster.StateModelDef(ctx, cs.StateModelDef())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: state model %s", ErrNotFound, cs.StateModelDef())
		}
		wasError = true
		cs.SetState(partition, def.InitialState())
		cs.ClearInfo(partition)
		return cs.Record, nil
	})
	if err != nil {
		return err
	}

	annotation := a.cluster.Keys().ErrorAnnotation(resource)
	_, err = a.cluster.Accessor().Update(ctx, annotation, func(cur *record.Record) (*record.Record, error) {
		if cur == nil {
			return nil, nil
		}
		model.ErrorAnnotation{Record: cur}.Clear(partition, instance)
		return cur, nil
	})
	if err != nil {
		return err
	}
	if !wasError && removed == 0 {
		return fmt.Errorf("%w: %s %s on %s", ErrNotInError, resource, partition, instance)
	}
	a.logger.Info("admin.partition.reset", "instance", instance, "resource", resource, "partition", partition)
	return nil
}

// Leader returns the controller currently leading the cluster.
func (a *Admin) Leader(ctx context.Context) (election.LeaderInfo, bool, error) {
	return election.CurrentLeader(ctx, a.client, a.cluster.Name())
}

// ExternalView returns partition → participant → state of resource.
func (a *Admin) ExternalView(ctx context.Context, resource string) (map[string]map[string]string, error) {
	view, ok, err := a.cluster.ExternalView(ctx, resource)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: external view %s", ErrNotFound, resource)
	}
	out := make(map[string]map[string]string)
	for _, p := range view.Partitions() {
		out[p] = view.StateMap(p)
	}
	return out, nil
}

// IdealState returns the IdealState of resource.
func (a *Admin) IdealState(ctx context.Context, resource string) (model.IdealState, error) {
	is, ok, err := a.cluster.IdealState(ctx, resource)
	if err != nil {
		return model.IdealState{}, err
	}
	if !ok {
		return model.IdealState{}, fmt.Errorf("%w: resource %s", ErrNotFound, resource)
	}
	return is, nil
}
