package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"
)

func TestAssignmentSignal_ClosesOnFirstAssignment(t *testing.T) {
	req := require.New(t)

	cb, assigned := assignmentSignal()

	// A revocation is not an assignment
	req.NoError(cb(nil, kafka.RevokedPartitions{}))
	select {
	case <-assigned:
		t.Fatal("signalled on revocation")
	default:
	}

	// Later rebalances do not close it twice
	req.NoError(cb(nil, kafka.AssignedPartitions{}))
	req.NoError(cb(nil, kafka.AssignedPartitions{}))
	select {
	case <-assigned:
	default:
		t.Fatal("not signalled on assignment")
	}
}

func TestAwaitAssignment(t *testing.T) {
	closed := func() chan struct{} {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	tests := []struct {
		name     string
		ctx      func() context.Context
		assigned chan struct{}
		pollDone chan struct{}
		wantErr  error
	}{
		{
			name:     "assigned",
			ctx:      context.Background,
			assigned: closed(),
			pollDone: make(chan struct{}),
		},
		{
			name:     "poll loop exited",
			ctx:      context.Background,
			assigned: make(chan struct{}),
			pollDone: closed(),
			wantErr:  errNoAssignment,
		},
		{
			name: "context ended",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			assigned: make(chan struct{}),
			pollDone: make(chan struct{}),
			wantErr:  context.Canceled,
		},
		{
			name:     "timed out",
			ctx:      context.Background,
			assigned: make(chan struct{}),
			pollDone: make(chan struct{}),
			wantErr:  errNoAssignment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := awaitAssignment(tt.ctx(), tt.assigned, tt.pollDone, 20*time.Millisecond)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
