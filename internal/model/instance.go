package model

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"pkt.systems/clusterd/internal/record"
)

// LiveInstance and config fields.
const (
	FieldLiveInstance = "LIVE_INSTANCE"
	FieldVersion      = "VERSION"
	FieldHost         = "HOST"
	FieldPort         = "PORT"
	FieldEnabled      = "ENABLED"

	FieldPaused         = "PAUSED"
	FieldMessageTimeout = "MESSAGE_TIMEOUT"
)

// LiveInstance is the ephemeral presence record of a participant.
type LiveInstance struct {
	*record.Record
}

// NewLiveInstance returns a LiveInstance for name bound to session. The
// identity field carries pid@host of the calling process.
func NewLiveInstance(name, session, version string) LiveInstance {
	li := LiveInstance{Record: record.New(name)}
	li.SetSimpleField(FieldSessionID, session)
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	li.SetSimpleField(FieldLiveInstance, fmt.Sprintf("%d@%s", os.Getpid(), host))
	if version != "" {
		li.SetSimpleField(FieldVersion, version)
	}
	return li
}

// Name returns the participant name.
func (l LiveInstance) Name() string { return l.ID() }

// SessionID returns the store session of the participant.
func (l LiveInstance) SessionID() string { return l.Simple(FieldSessionID) }

// Identity returns pid@host.
func (l LiveInstance) Identity() string { return l.Simple(FieldLiveInstance) }

// Version returns the participant software version.
func (l LiveInstance) Version() string { return l.Simple(FieldVersion) }

// InstanceConfig is the persistent configuration of one participant.
type InstanceConfig struct {
	*record.Record
}

// NewInstanceConfig returns an enabled config for name.
func NewInstanceConfig(name string) InstanceConfig {
	c := InstanceConfig{Record: record.New(name)}
	c.SetEnabled(true)
	return c
}

// Name returns the participant name.
func (c InstanceConfig) Name() string { return c.ID() }

// Host returns HOST.
func (c InstanceConfig) Host() string { return c.Simple(FieldHost) }

// Port returns PORT, zero when unset.
func (c InstanceConfig) Port() int { return c.IntField(FieldPort, 0) }

// SetAddress sets HOST and PORT.
func (c InstanceConfig) SetAddress(host string, port int) {
	c.SetSimpleField(FieldHost, host)
	if port > 0 {
		c.SetIntField(FieldPort, port)
	}
}

// Enabled reports whether the participant may host partitions. Missing
// configs and unset fields count as enabled.
func (c InstanceConfig) Enabled() bool {
	if c.Record == nil {
		return true
	}
	v, ok := c.SimpleField(FieldEnabled)
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

// SetEnabled sets ENABLED.
func (c InstanceConfig) SetEnabled(enabled bool) {
	c.SetSimpleField(FieldEnabled, strconv.FormatBool(enabled))
}

// ClusterConfig holds cluster-wide settings.
type ClusterConfig struct {
	*record.Record
}

// NewClusterConfig returns an empty config for cluster.
func NewClusterConfig(cluster string) ClusterConfig {
	return ClusterConfig{Record: record.New(cluster)}
}

// Paused reports whether the controller should stop sending messages.
func (c ClusterConfig) Paused() bool {
	if c.Record == nil {
		return false
	}
	b, _ := strconv.ParseBool(c.Simple(FieldPaused))
	return b
}

// SetPaused sets PAUSED.
func (c ClusterConfig) SetPaused(paused bool) {
	c.SetSimpleField(FieldPaused, strconv.FormatBool(paused))
}

// MessageTimeout returns the cluster override of the message timeout, or
// fallback when absent or invalid.
func (c ClusterConfig) MessageTimeout(fallback time.Duration) time.Duration {
	if c.Record == nil {
		return fallback
	}
	d, err := time.ParseDuration(c.Simple(FieldMessageTimeout))
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// SetMessageTimeout sets MESSAGE_TIMEOUT.
func (c ClusterConfig) SetMessageTimeout(d time.Duration) {
	c.SetSimpleField(FieldMessageTimeout, d.String())
}
