package persona

import (
	"context"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/transport"
	"go.uber.org/zap"
)

// DrainReport summarizes a drain.
type DrainReport struct {
	WorkflowID string
	Scanned    int
	Matched    int
	Acked      int64
	Deleted    int64
	Groups     []string
}

// Drainer removes a workflow's outstanding requests from the request
// stream.
type Drainer struct {
	t             transport.Transport
	requestStream string
	groupPrefix   string
	logger        *zap.Logger
}

// NewDrainer creates a drainer for requestStream.
func NewDrainer(t transport.Transport, requestStream, groupPrefix string, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		t:             t,
		requestStream: requestStream,
		groupPrefix:   groupPrefix,
		logger:        logger.With(zap.String("component", "drainer")),
	}
}

// Drain acks every request tagged with workflowID in the groups of the
// given personas and in every other group on the stream, then deletes the
// requests.
func (d *Drainer) Drain(ctx context.Context, workflowID string, personas []string) (DrainReport, error) {
	report := DrainReport{WorkflowID: workflowID}

	msgs, err := d.t.Range(ctx, d.requestStream, "-", "+", 0)
	if err != nil {
		return report, fmt.Errorf("scan requests: %w", err)
	}
	report.Scanned = len(msgs)

	var ids []string
	for _, m := range msgs {
		if m.Fields[fieldWorkflowID] == workflowID {
			ids = append(ids, m.ID)
		}
	}
	report.Matched = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	seen := make(map[string]struct{})
	var groups []string
	addGroup := func(g string) {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}
	for _, p := range personas {
		addGroup(GroupName(d.groupPrefix, p))
	}
	infos, err := d.t.ListGroups(ctx, d.requestStream)
	if err != nil {
		d.logger.Warn("could not list groups, draining named personas only", zap.Error(err))
	}
	for _, info := range infos {
		addGroup(info.Name)
	}

	for _, g := range groups {
		n, err := d.t.Ack(ctx, d.requestStream, g, ids...)
		if err != nil {
			return report, fmt.Errorf("ack in group %s: %w", g, err)
		}
		report.Acked += n
	}
	report.Groups = groups

	report.Deleted, err = d.t.Delete(ctx, d.requestStream, ids...)
	if err != nil {
		return report, fmt.Errorf("delete requests: %w", err)
	}

	d.logger.Info("workflow requests drained",
		zap.String("workflow_id", workflowID),
		zap.Int("matched", report.Matched),
		zap.Int64("acked", report.Acked),
		zap.Int64("deleted", report.Deleted),
	)
	return report, nil
}
