package accessor

import "pkt.systems/clusterd/internal/store"

// Path segments of the cluster layout.
const (
	segConfigs       = "CONFIGS"
	segCluster       = "CLUSTER"
	segParticipant   = "PARTICIPANT"
	segIdealStates   = "IDEALSTATES"
	segStateModels   = "STATEMODELDEFS"
	segLiveInstances = "LIVEINSTANCES"
	segInstances     = "INSTANCES"
	segCurrentStates = "CURRENTSTATES"
	segMessages      = "MESSAGES"
	segExternalView  = "EXTERNALVIEW"
	segController    = "CONTROLLER"
	segLeader        = "LEADER"
	segErrors        = "ERRORS"
)

// KeyBuilder maps cluster entities to store paths.
type KeyBuilder struct {
	cluster string
}

// Keys returns the KeyBuilder of cluster.
func Keys(cluster string) KeyBuilder { return KeyBuilder{cluster: cluster} }

// Cluster returns the cluster name.
func (k KeyBuilder) Cluster() string { return k.cluster }

// Root is /{cluster}.
func (k KeyBuilder) Root() string { return store.Join(k.cluster) }

func (k KeyBuilder) ClusterConfig() string {
	return store.Join(k.cluster, segConfigs, segCluster, k.cluster)
}

func (k KeyBuilder) InstanceConfigs() string {
	return store.Join(k.cluster, segConfigs, segParticipant)
}

func (k KeyBuilder) InstanceConfig(participant string) string {
	return store.Join(k.cluster, segConfigs, segParticipant, participant)
}

func (k KeyBuilder) IdealStates() string { return store.Join(k.cluster, segIdealStates) }

func (k KeyBuilder) IdealState(resource string) string {
	return store.Join(k.cluster, segIdealStates, resource)
}

func (k KeyBuilder) StateModelDefs() string { return store.Join(k.cluster, segStateModels) }

func (k KeyBuilder) StateModelDef(name string) string {
	return store.Join(k.cluster, segStateModels, name)
}

func (k KeyBuilder) LiveInstances() string { return store.Join(k.cluster, segLiveInstances) }

func (k KeyBuilder) LiveInstance(participant string) string {
	return store.Join(k.cluster, segLiveInstances, participant)
}

func (k KeyBuilder) Instances() string { return store.Join(k.cluster, segInstances) }

func (k KeyBuilder) Instance(participant string) string {
	return store.Join(k.cluster, segInstances, participant)
}

func (k KeyBuilder) CurrentStates(participant string) string {
	return store.Join(k.cluster, segInstances, participant, segCurrentStates)
}

func (k KeyBuilder) CurrentState(participant, resource string) string {
	return store.Join(k.cluster, segInstances, participant, segCurrentStates, resource)
}

func (k KeyBuilder) Messages(participant string) string {
	return store.Join(k.cluster, segInstances, participant, segMessages)
}

func (k KeyBuilder) Message(participant, id string) string {
	return store.Join(k.cluster, segInstances, participant, segMessages, id)
}

func (k KeyBuilder) ExternalViews() string { return store.Join(k.cluster, segExternalView) }

func (k KeyBuilder) ExternalView(resource string) string {
	return store.Join(k.cluster, segExternalView, resource)
}

func (k KeyBuilder) Controller() string { return store.Join(k.cluster, segController) }

// Leader is the ephemeral node held by the elected controller.
func (k KeyBuilder) Leader() string { return store.Join(k.cluster, segController, segLeader) }

func (k KeyBuilder) ErrorAnnotations() string {
	return store.Join(k.cluster, segController, segErrors)
}

func (k KeyBuilder) ErrorAnnotation(resource string) string {
	return store.Join(k.cluster, segController, segErrors, resource)
}

// Skeleton lists the persistent directories a cluster needs before any
// component joins.
func (k KeyBuilder) Skeleton() []string {
	return []string{
		k.Root(),
		store.Join(k.cluster, segConfigs),
		store.Join(k.cluster, segConfigs, segCluster),
		k.InstanceConfigs(),
		k.IdealStates(),
		k.StateModelDefs(),
		k.LiveInstances(),
		k.Instances(),
		k.ExternalViews(),
		k.Controller(),
		k.ErrorAnnotations(),
	}
}
