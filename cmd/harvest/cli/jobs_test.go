package cli

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/harvest/jobs"
)

type recordingClient struct {
	types []string
}

func (r *recordingClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.types = append(r.types, task.Type())
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type fixedInspector struct{}

func (fixedInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: 2, Retry: 1}, nil
}

func TestTriggerKnownJobs(t *testing.T) {
	client := &recordingClient{}
	c := &JobsCLI{client: client}

	info, err := c.Trigger(context.Background(), jobs.TaskChequesDue)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskChequesDue, info.Type)
	_, err = c.Trigger(context.Background(), jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Equal(t, []string{jobs.TaskChequesDue, jobs.TaskIdempotencyCleanup}, client.types)

	_, err = c.Trigger(context.Background(), "mail:send")
	require.Error(t, err)
}

func TestInspectQueue(t *testing.T) {
	c := &JobsCLI{inspector: fixedInspector{}}
	stats, err := c.InspectQueue()
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 2, Retry: 1}, stats)

	var missing *JobsCLI
	_, err = missing.InspectQueue()
	require.Error(t, err)
	require.NoError(t, (&JobsCLI{}).Close())
}
