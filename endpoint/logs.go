package endpoint

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// DefaultLogWindow is how far back Logs reads when no window is given.
const DefaultLogWindow = time.Hour

// LogsAPI is the subset of the CloudWatch Logs client used to read endpoint logs.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// LogGroup returns the log group the hosting service writes endpoint logs to.
func LogGroup(endpoint string) string {
	return "/aws/sagemaker/Endpoints/" + endpoint
}

// Logs returns the newest limit events written in the last since, oldest
// first. A limit of zero returns the whole window.
func (d *Deployer) Logs(ctx context.Context, endpoint string, since time.Duration, limit int32) ([]api.LogEvent, error) {
	if since <= 0 {
		since = DefaultLogWindow
	}
	group := LogGroup(endpoint)
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(time.Now().Add(-since).UnixMilli()),
	}

	// FilterLogEvents pages forward from StartTime, so the newest events
	// are on the last page.
	var events []api.LogEvent
	p := cloudwatchlogs.NewFilterLogEventsPaginator(d.logs, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, cloud.MapAWSError(err, "log group", group)
		}
		for _, e := range page.Events {
			events = append(events, api.LogEvent{
				Timestamp: aws.ToInt64(e.Timestamp),
				Stream:    aws.ToString(e.LogStreamName),
				Message:   aws.ToString(e.Message),
			})
		}
		if limit > 0 && len(events) > 2*int(limit) {
			events = newest(events, limit)
		}
	}
	if limit > 0 {
		events = newest(events, limit)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}

// newest keeps the limit most recent events.
func newest(events []api.LogEvent, limit int32) []api.LogEvent {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	if len(events) > int(limit) {
		events = append([]api.LogEvent(nil), events[len(events)-int(limit):]...)
	}
	return events
}
