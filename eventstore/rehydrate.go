package eventstore

import (
	"context"
	"fmt"

	"example.com/backstage/services/workflow/domain"
)

// LoadWorkflowAggregate rehydrates a workflow aggregate: latest snapshot (if
// any) plus replay of the events past the snapshot version. The result is
// identical to a full replay from sequence 1.
func LoadWorkflowAggregate(ctx context.Context, store EventStore, snapshots *SnapshotStore, streamID string) (*domain.WorkflowAggregate, error) {
	aggregate := domain.NewWorkflowAggregate(streamID)

	fromSequence := int64(1)
	if snapshots != nil {
		snapshot, err := snapshots.LoadLatest(ctx, streamID, nil)
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			if err := aggregate.RestoreState(snapshot.State, snapshot.SnapshotVersion); err != nil {
				return nil, err
			}
			fromSequence = snapshot.SnapshotVersion + 1
		}
	}

	events, err := store.Read(ctx, streamID, fromSequence, 0)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		raw, ok := event.Data.([]byte)
		if !ok {
			return nil, fmt.Errorf("event %s has unexpected payload type %T", event.EventID, event.Data)
		}
		payload, err := domain.DecodeEventData(event.Type, raw)
		if err != nil {
			return nil, err
		}
		if err := aggregate.Replay(payload); err != nil {
			return nil, err
		}
	}

	return aggregate, nil
}
