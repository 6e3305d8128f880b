package definitions

import (
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/sensor"
)

// Names used by the reference deployment.
const (
	GroupIngestion      = "ingestion"
	GroupTransformation = "transformation"

	JobCreditCardPipeline = "credit_card_pipeline"
	ScheduleDaily         = "daily_pipeline_schedule"
	SensorDataFreshness   = "data_freshness_sensor"
)

// RawTransactionsKey is the ingestion asset of the reference deployment.
var RawTransactionsKey = assets.MustKey("kaggle_raw", "transactions")

// ReferenceOptions parameterizes the reference deployment.
type ReferenceOptions struct {
	CSVPath string
	Table   string

	// Models are the transformation assets, usually read from a dbt
	// manifest. Their upstream keys may name RawTransactionsKey.
	Models []assets.Node
}

// Reference returns the credit card pipeline: one CSV ingestion asset, the
// dbt models downstream of it, a job selecting everything, a daily schedule
// at 02:00 Singapore time and a six hour freshness sensor.
func Reference(opts ReferenceOptions) Spec {
	nodes := []assets.Node{{
		Key:         RawTransactionsKey,
		Group:       GroupIngestion,
		Kind:        assets.KindIngestion,
		Load:        &ingest.Spec{SourcePath: opts.CSVPath, Table: opts.Table},
		Description: "Loads creditcard.csv into the raw transactions table (full refresh).",
	}}
	for _, m := range opts.Models {
		if m.Group == "" {
			m.Group = GroupTransformation
		}
		nodes = append(nodes, m)
	}

	return Spec{
		Assets: nodes,
		Jobs: []Job{{
			Name:        JobCreditCardPipeline,
			Selection:   assets.All(),
			Description: "Materializes every asset: ingestion then dbt transformations.",
		}},
		Schedules: []ScheduleSpec{{
			Name:     ScheduleDaily,
			Job:      JobCreditCardPipeline,
			Cron:     "0 2 * * *",
			Timezone: "Asia/Singapore",
		}},
		Sensors: []sensor.Definition{{
			Name:        SensorDataFreshness,
			JobName:     JobCreditCardPipeline,
			MinInterval: 30 * time.Second,
			Threshold:   sensor.DefaultThreshold,
		}},
	}
}
