package workflow

import (
	"context"
	"errors"
)

// fakeBrokerClient is an in-memory BrokerClient double used across this
// package's tests; it never makes a real network call.
type fakeBrokerClient struct {
	batches   [][]BatchRequest
	published []PublishRequest
	deletes   []string
	batchErr  error
}

func (f *fakeBrokerClient) Publish(_ context.Context, req PublishRequest) (*Ack, error) {
	f.published = append(f.published, req)
	return &Ack{MessageID: "msg_1"}, nil
}

func (f *fakeBrokerClient) Batch(_ context.Context, reqs []BatchRequest) ([]Ack, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batches = append(f.batches, reqs)
	acks := make([]Ack, len(reqs))
	for i := range reqs {
		acks[i] = Ack{MessageID: "msg_batch"}
	}
	return acks, nil
}

func (f *fakeBrokerClient) Delete(_ context.Context, runID string, _ bool) error {
	f.deletes = append(f.deletes, runID)
	return nil
}

var errFakeBroker = errors.New("fake broker failure")
