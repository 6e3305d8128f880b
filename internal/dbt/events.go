package dbt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
)

// logLine is the subset of a dbt --log-format json line we read.
type logLine struct {
	Info struct {
		Name string `json:"name"`
		Msg  string `json:"msg"`
	} `json:"info"`
	Data struct {
		NodeInfo struct {
			UniqueID     string `json:"unique_id"`
			ResourceType string `json:"resource_type"`
			NodeStatus   string `json:"node_status"`
		} `json:"node_info"`
		RunResult struct {
			Status        string         `json:"status"`
			Message       string         `json:"message"`
			ExecutionTime float64        `json:"execution_time"`
			Failures      *int64         `json:"failures"`
			AdapterResp   map[string]any `json:"adapter_response"`
		} `json:"run_result"`
	} `json:"data"`
}

const nodeFinished = "NodeFinished"

// maxLineSize bounds one log line. dbt logs compiled SQL on some events.
const maxLineSize = 4 << 20

// ParseEvents reads dbt JSON log lines from r and yields one BuildEvent per
// finished asset node, in log order. Lines that are not JSON, events other
// than NodeFinished, and nodes that are not assets (tests, operations) are
// skipped. The sequence ends with an error only if reading r fails.
func ParseEvents(r io.Reader, m *Manifest) iter.Seq2[engine.BuildEvent, error] {
	return func(yield func(engine.BuildEvent, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 || line[0] != '{' {
				continue
			}
			var ll logLine
			if err := json.Unmarshal(line, &ll); err != nil {
				continue
			}
			if ll.Info.Name != nodeFinished {
				continue
			}
			key, ok := m.KeyFor(ll.Data.NodeInfo.UniqueID)
			if !ok || !assetResourceTypes[ll.Data.NodeInfo.ResourceType] {
				continue
			}

			status := ll.Data.RunResult.Status
			if status == "" {
				status = ll.Data.NodeInfo.NodeStatus
			}
			ev := engine.BuildEvent{
				Key:     key,
				Status:  mapStatus(status),
				Message: ll.Data.RunResult.Message,
				Metadata: map[string]any{
					"unique_id":      ll.Data.NodeInfo.UniqueID,
					"dbt_status":     status,
					"execution_time": ll.Data.RunResult.ExecutionTime,
				},
			}
			if rows, ok := ll.Data.RunResult.AdapterResp["rows_affected"]; ok {
				ev.Metadata["rows_affected"] = rows
			}
			if ev.Status == engine.BuildFailure && ev.Message == "" {
				ev.Message = fmt.Sprintf("dbt status %q", status)
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(engine.BuildEvent{}, fmt.Errorf("read dbt log: %w", err))
		}
	}
}

func mapStatus(s string) engine.BuildStatus {
	switch s {
	case "success", "pass", "warn":
		return engine.BuildSuccess
	case "skipped":
		return engine.BuildSkipped
	default:
		return engine.BuildFailure
	}
}
