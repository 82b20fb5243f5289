package ledger

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-method-sol/go-didsol/ledger")

var (
	LastSeqGauge          metric.Int64Gauge
	ProcessedCursorGauge  metric.Int64Gauge
	SubmittedQueueGauge   metric.Int64Gauge
	SeqRequestsQueueGauge metric.Int64Gauge
	ExecutedQueueGauge    metric.Int64Gauge
	InFlightGauge         metric.Int64Gauge
	CommittedCounter      metric.Int64Counter
	RejectedCounter       metric.Int64Counter
	CommitBatchSizeHist   metric.Int64Histogram
	LastCommitTsGauge     metric.Int64Gauge
)

func instructionTypeAttr(t string) attribute.KeyValue {
	return attribute.String("instruction", t)
}

func init() {
	var err error
	LastSeqGauge, err = meter.Int64Gauge("didsol_ledger_last_seq",
		metric.WithDescription("The most recently committed instruction seq"),
	)
	if err != nil {
		panic(err)
	}
	ProcessedCursorGauge, err = meter.Int64Gauge("didsol_ledger_processed_cursor",
		metric.WithDescription("All submissions up to this sequence have been committed or rejected"),
	)
	if err != nil {
		panic(err)
	}
	SubmittedQueueGauge, err = meter.Int64Gauge("didsol_ledger_submitted_queue",
		metric.WithDescription("Number of items in the submitted requests channel"),
	)
	if err != nil {
		panic(err)
	}
	SeqRequestsQueueGauge, err = meter.Int64Gauge("didsol_ledger_seq_requests_queue",
		metric.WithDescription("Number of items in the sequenced requests channel"),
	)
	if err != nil {
		panic(err)
	}
	ExecutedQueueGauge, err = meter.Int64Gauge("didsol_ledger_executed_queue",
		metric.WithDescription("Number of items in the executed requests channel"),
	)
	if err != nil {
		panic(err)
	}
	InFlightGauge, err = meter.Int64Gauge("didsol_ledger_in_flight",
		metric.WithDescription("Number of requests holding account locks"),
	)
	if err != nil {
		panic(err)
	}
	CommittedCounter, err = meter.Int64Counter("didsol_ledger_committed_instructions",
		metric.WithDescription("Committed instructions, by instruction type"),
	)
	if err != nil {
		panic(err)
	}
	RejectedCounter, err = meter.Int64Counter("didsol_ledger_rejected_instructions",
		metric.WithDescription("Rejected instructions, by instruction type"),
	)
	if err != nil {
		panic(err)
	}
	CommitBatchSizeHist, err = meter.Int64Histogram("didsol_ledger_commit_batch_size",
		metric.WithDescription("Number of instructions per committed batch"),
	)
	if err != nil {
		panic(err)
	}
	LastCommitTsGauge, err = meter.Int64Gauge("didsol_ledger_last_commit_ts",
		metric.WithDescription("Unix timestamp of the most recent commit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}
