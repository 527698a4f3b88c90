// Package notify posts the pipeline's final report (spec.md §7, "a final
// report shows run id, duration, totals, and failure counts per queue") to
// Slack, the natural terminus a system that already names Slack as a
// teacher dependency should use instead of leaving it unwired. Grounded on
// wisbric-nightowl/pkg/slack's Notifier: a nil-client noop when
// unconfigured, Block Kit messages built with goslack.New*Block helpers,
// and *Context methods threading ctx through the Slack HTTP calls.
package notify

import (
	"context"
	"fmt"
	"sort"

	goslack "github.com/slack-go/slack"
	"github.com/sirupsen/logrus"
)

// Report is the shape pkg/orchestrator hands to Notifier.PostReport:
// spec.md §7's run id, duration, totals, and per-queue failure counts.
type Report struct {
	RunID           string
	Duration        string
	Result          string
	FilesAnalyzed   int
	POIsExtracted   int
	Relationships   int
	GraphNodes      int
	GraphEdges      int
	FailuresByQueue map[string]int64
}

// Notifier posts pipeline reports to a configured Slack channel. A
// Notifier built with an empty bot token is a noop that only logs,
// matching wisbric-nightowl's IsEnabled/noop pattern so an unconfigured
// deployment never fails a run over a missing Slack token.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *logrus.Logger
}

// NewNotifier builds a Notifier. If botToken is empty the Notifier is
// disabled: PostReport logs and returns nil instead of erroring.
func NewNotifier(botToken, channel string, logger *logrus.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether PostReport will actually call Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostReport sends report as a Block Kit message to the configured
// channel. Disabled notifiers log the report at info level and return nil.
func (n *Notifier) PostReport(ctx context.Context, report Report) error {
	if !n.IsEnabled() {
		n.logger.WithFields(logrus.Fields{
			"run_id": report.RunID,
			"result": report.Result,
		}).Info("slack notifier disabled, skipping final report")
		return nil
	}

	blocks := reportBlocks(report)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("Run %s finished: %s", report.RunID, report.Result), false),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting final report to slack: %w", err)
	}
	return nil
}

func reportBlocks(r Report) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s", resultEmoji(r.Result), r.Result), true, false),
	)

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Run ID:*\n%s", r.RunID), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Duration:*\n%s", r.Duration), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Files analyzed:*\n%d", r.FilesAnalyzed), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*POIs extracted:*\n%d", r.POIsExtracted), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Relationships validated:*\n%d", r.Relationships), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Graph nodes/edges:*\n%d / %d", r.GraphNodes, r.GraphEdges), false, false),
	}
	section := goslack.NewSectionBlock(nil, fields, nil)

	blocks := []goslack.Block{header, section}

	if len(r.FailuresByQueue) > 0 {
		queues := make([]string, 0, len(r.FailuresByQueue))
		for queue := range r.FailuresByQueue {
			queues = append(queues, queue)
		}
		sort.Strings(queues)

		text := "*Failures by queue:*\n"
		for _, queue := range queues {
			text += fmt.Sprintf("• %s: %d\n", queue, r.FailuresByQueue[queue])
		}
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil))
	}

	return blocks
}

func resultEmoji(result string) string {
	switch result {
	case "COMPLETED":
		return "✅"
	case "TIMEOUT":
		return "⏱️"
	case "EXCESSIVE_FAILURES":
		return "🔴"
	default:
		return "⚪"
	}
}
