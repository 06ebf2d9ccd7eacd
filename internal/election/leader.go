package election

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
)

const (
	fieldToken     = "TOKEN"
	fieldElectedAt = "ELECTED_AT"
)

// LeaderInfo describes the controller that holds the leader node.
type LeaderInfo struct {
	Instance  string
	SessionID string
	Identity  string
	Token     string
	ElectedAt time.Time
}

func (i LeaderInfo) record() *record.Record {
	rec := record.New(i.Instance)
	rec.SetSimpleField(model.FieldSessionID, i.SessionID)
	rec.SetSimpleField(model.FieldLiveInstance, i.Identity)
	rec.SetSimpleField(fieldToken, i.Token)
	rec.SetInt64Field(fieldElectedAt, i.ElectedAt.UnixMilli())
	return rec
}

func leaderFromRecord(rec *record.Record) LeaderInfo {
	info := LeaderInfo{
		Instance:  rec.ID(),
		SessionID: rec.Simple(model.FieldSessionID),
		Identity:  rec.Simple(model.FieldLiveInstance),
		Token:     rec.Simple(fieldToken),
	}
	if ms := rec.Int64Field(fieldElectedAt, 0); ms > 0 {
		info.ElectedAt = time.UnixMilli(ms).UTC()
	}
	return info
}

func processIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// CurrentLeader reads the leader node of cluster. ok is false while no
// controller leads.
func CurrentLeader(ctx context.Context, client store.Client, cluster string) (LeaderInfo, bool, error) {
	rec, ok, err := accessor.New(client).Get(ctx, accessor.Keys(cluster).Leader())
	if err != nil || !ok {
		return LeaderInfo{}, false, err
	}
	return leaderFromRecord(rec), true, nil
}

// WaitForLeader blocks until cluster has a leader or ctx ends. It re-arms a
// watch on the leader node rather than polling.
func WaitForLeader(ctx context.Context, client store.Client, cluster string, clk clock.Clock) (LeaderInfo, error) {
	clk = clock.OrReal(clk)
	path := accessor.Keys(cluster).Leader()
	for {
		w, err := client.Watch(ctx, path, store.WatchData)
		if err != nil {
			if ctx.Err() != nil {
				return LeaderInfo{}, ctx.Err()
			}
			if !store.IsTransient(err) {
				return LeaderInfo{}, err
			}
			select {
			case <-ctx.Done():
				return LeaderInfo{}, ctx.Err()
			case <-clk.After(defaultRetryDelay):
			}
			continue
		}
		info, ok, err := CurrentLeader(ctx, client, cluster)
		if err == nil && ok {
			w.Cancel()
			return info, nil
		}
		if err != nil && !store.IsTransient(err) && !errors.Is(err, context.Canceled) {
			w.Cancel()
			return LeaderInfo{}, err
		}
		select {
		case <-ctx.Done():
			w.Cancel()
			return LeaderInfo{}, ctx.Err()
		case <-w.Events():
		}
	}
}
