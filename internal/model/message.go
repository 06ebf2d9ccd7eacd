package model

import (
	"strconv"
	"time"

	"pkt.systems/clusterd/internal/record"
)

// Message fields.
const (
	FieldMsgType         = "MSG_TYPE"
	FieldMsgState        = "MSG_STATE"
	FieldResourceName    = "RESOURCE_NAME"
	FieldPartitionName   = "PARTITION_NAME"
	FieldFromState       = "FROM_STATE"
	FieldToState         = "TO_STATE"
	FieldTgtName         = "TGT_NAME"
	FieldTgtSessionID    = "TGT_SESSION_ID"
	FieldSrcName         = "SRC_NAME"
	FieldCreateTimestamp = "CREATE_TIMESTAMP"
)

// MessageTypeStateTransition is the only message type the controller emits.
const MessageTypeStateTransition = "STATE_TRANSITION"

// MessageState is the lifecycle state of a message.
type MessageState string

const (
	MessageNew     MessageState = "NEW"
	MessageError   MessageState = "ERROR"
	MessageTimeout MessageState = "TIMEOUT"
)

// Message is a transition instruction addressed to one participant session.
type Message struct {
	*record.Record
}

// Transition identifies a single state change of one partition.
type Transition struct {
	Resource      string
	Partition     string
	From          string
	To            string
	StateModelDef string
}

// NewTransitionMessage builds a NEW state transition message with id.
func NewTransitionMessage(id string, t Transition, source, target, targetSession string, now time.Time) Message {
	m := Message{Record: record.New(id)}
	m.SetSimpleField(FieldMsgType, MessageTypeStateTransition)
	m.SetState(MessageNew)
	m.SetSimpleField(FieldResourceName, t.Resource)
	m.SetSimpleField(FieldPartitionName, t.Partition)
	m.SetSimpleField(FieldFromState, t.From)
	m.SetSimpleField(FieldToState, t.To)
	m.SetSimpleField(FieldStateModelDef, t.StateModelDef)
	m.SetSimpleField(FieldSrcName, source)
	m.SetSimpleField(FieldTgtName, target)
	m.SetSimpleField(FieldTgtSessionID, targetSession)
	m.SetCreatedAt(now)
	return m
}

// Type returns MSG_TYPE.
func (m Message) Type() string { return m.Simple(FieldMsgType) }

// State returns MSG_STATE.
func (m Message) State() MessageState { return MessageState(m.Simple(FieldMsgState)) }

// SetState sets MSG_STATE.
func (m Message) SetState(s MessageState) { m.SetSimpleField(FieldMsgState, string(s)) }

// Transition returns the transition carried by the message.
func (m Message) Transition() Transition {
	return Transition{
		Resource:      m.Simple(FieldResourceName),
		Partition:     m.Simple(FieldPartitionName),
		From:          m.Simple(FieldFromState),
		To:            m.Simple(FieldToState),
		StateModelDef: m.Simple(FieldStateModelDef),
	}
}

// Resource returns RESOURCE_NAME.
func (m Message) Resource() string { return m.Simple(FieldResourceName) }

// Partition returns PARTITION_NAME.
func (m Message) Partition() string { return m.Simple(FieldPartitionName) }

// TargetName returns TGT_NAME.
func (m Message) TargetName() string { return m.Simple(FieldTgtName) }

// TargetSession returns TGT_SESSION_ID.
func (m Message) TargetSession() string { return m.Simple(FieldTgtSessionID) }

// SourceName returns SRC_NAME.
func (m Message) SourceName() string { return m.Simple(FieldSrcName) }

// CreatedAt returns CREATE_TIMESTAMP, zero when absent.
func (m Message) CreatedAt() time.Time {
	ms, err := strconv.ParseInt(m.Simple(FieldCreateTimestamp), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SetCreatedAt sets CREATE_TIMESTAMP with millisecond precision.
func (m Message) SetCreatedAt(t time.Time) {
	m.SetInt64Field(FieldCreateTimestamp, t.UnixMilli())
}

// Expired reports whether the message has been outstanding longer than
// timeout. A zero timeout never expires.
func (m Message) Expired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	created := m.CreatedAt()
	if created.IsZero() {
		return false
	}
	return now.Sub(created) > timeout
}
