package queue

// Names is the enumerated queue list from spec.md §6.
var Names = []string{
	"file-analysis",
	"directory-aggregation",
	"directory-resolution",
	"relationship-resolution",
	"reconciliation",
	"analysis-findings",
	"global-resolution",
	"relationship-validated",
	"llm-analysis",
	"graph-ingestion",
	"triangulated-analysis",
	"relationship-confidence-escalation",
	"failed-jobs",
}

// FailedJobsQueue is the dead-letter stream; it has no consumer-group
// requirement beyond an operator's own inspection worker (spec.md §4.4).
const FailedJobsQueue = "failed-jobs"
