package metadata

import (
	"context"

	"github.com/austindbirch/flowhook/internal/events"
)

// ReportEventTriggers resolves the start task of flow/run and attaches
// records to it. The resolved task id is returned for logging.
func (c *Client) ReportEventTriggers(ctx context.Context, flow, run, user string, records []events.Record) (string, error) {
	taskID, err := c.StartTaskID(ctx, flow, run)
	if err != nil {
		return "", err
	}

	c.logger().WithContext(ctx).
		WithFlow(flow).
		WithRun(run).
		WithStep(StartStep).
		WithTask(taskID).
		WithField("events", len(records)).
		Info("attaching event triggers to start task")

	route := Route{Flow: flow, Run: run, Step: StartStep, Task: taskID}
	if err := c.AttachEventTrigger(ctx, route, user, records); err != nil {
		return taskID, err
	}
	return taskID, nil
}
