package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// Metadata keys written on asset results.
const (
	MetaRowCount   = "row_count"
	MetaByteSize   = "byte_size"
	MetaTableID    = "table_id"
	MetaSourcePath = "source_path"
	MetaPreview    = "preview"
	MetaError      = "error"
)

var (
	errNoLoader  = errors.New("no ingestion loader configured")
	errNoBuilder = errors.New("no build tool configured")
)

// execution is the state of one run while it executes.
//
// Ingestion assets may only depend on other ingestion assets, so every load
// happens first, one call per asset in topological order. The remaining
// transformation assets then go to the build tool in a single call.
//
// A failed asset blocks its downstream closure: blocked assets are not
// attempted and get no result. Independent branches carry on.
type execution struct {
	engine  *Engine
	runID   string
	graph   *assets.Graph
	order   []assets.Key
	blocked assets.KeySet
	failed  bool
}

func (x *execution) run(ctx context.Context) (models.RunStatus, error) {
	var batch []assets.Key

	for _, key := range x.order {
		node, _ := x.graph.Node(key)
		if node.Kind == assets.KindTransformation {
			continue
		}
		if x.blocked.Has(key) {
			x.engine.logger.Info("asset not run: upstream failed", "run_id", x.runID, "asset", key)
			continue
		}
		if err := x.record(ctx, x.load(ctx, node), true); err != nil {
			return models.RunStatusFailed, err
		}
	}

	for _, key := range x.order {
		node, _ := x.graph.Node(key)
		if node.Kind != assets.KindTransformation {
			continue
		}
		if x.blocked.Has(key) {
			x.engine.logger.Info("asset not run: upstream failed", "run_id", x.runID, "asset", key)
			continue
		}
		batch = append(batch, key)
	}

	if len(batch) > 0 {
		if err := x.build(ctx, batch); err != nil {
			return models.RunStatusFailed, err
		}
	}

	if x.failed {
		return models.RunStatusFailed, nil
	}
	return models.RunStatusSucceeded, nil
}

// load performs one full-refresh load. It never returns an error: a loader
// failure becomes a FAILURE result.
func (x *execution) load(ctx context.Context, node assets.Node) models.AssetResult {
	log := x.engine.logger.With("run_id", x.runID, "asset", node.Key)

	if x.engine.loader == nil {
		return failure(node.Key, errNoLoader, map[string]any{MetaSourcePath: node.Load.SourcePath})
	}

	log.Info("loading", "source", node.Load.SourcePath, "table", node.Load.Table)
	res, err := x.engine.loader.Load(ctx, *node.Load)
	if err != nil {
		if ingest.IsSourceNotFound(err) {
			log.Error("source not found", "source", node.Load.SourcePath)
		} else {
			log.Error("load failed", "error", err)
		}
		return failure(node.Key, err, map[string]any{MetaSourcePath: node.Load.SourcePath})
	}

	log.Info("load complete", "rows", res.RowCount, "bytes", res.ByteSize, "table_id", res.TableID)
	md := map[string]any{
		MetaRowCount:   res.RowCount,
		MetaByteSize:   res.ByteSize,
		MetaTableID:    res.TableID,
		MetaSourcePath: node.Load.SourcePath,
	}
	if res.Preview != "" {
		md[MetaPreview] = res.Preview
	}
	return models.AssetResult{Key: node.Key, Status: models.AssetStatusSuccess, Metadata: md}
}

// build invokes the build tool once and consumes its event stream.
func (x *execution) build(ctx context.Context, batch []assets.Key) error {
	log := x.engine.logger.With("run_id", x.runID)

	requested := assets.NewKeySet(batch...)
	reported := make(assets.KeySet, len(batch))
	skipped := make(assets.KeySet)

	var streamErr error
	if x.engine.builder == nil {
		streamErr = errNoBuilder
	} else {
		log.Info("build starting", "assets", len(batch))
		for ev, err := range x.engine.builder.Build(ctx, batch) {
			if err != nil {
				streamErr = err
				break
			}
			if !requested.Has(ev.Key) {
				log.Debug("ignoring build event for unrequested asset", "asset", ev.Key, "status", ev.Status)
				continue
			}
			if reported.Has(ev.Key) {
				continue
			}
			reported.Add(ev.Key)
			if x.blocked.Has(ev.Key) {
				log.Warn("ignoring build event for asset blocked by an upstream failure", "asset", ev.Key, "status", ev.Status)
				continue
			}

			switch ev.Status {
			case BuildSkipped:
				skipped.Add(ev.Key)
				log.Info("asset skipped by build tool", "asset", ev.Key, "message", ev.Message)
			case BuildSuccess:
				if err := x.record(ctx, models.AssetResult{Key: ev.Key, Status: models.AssetStatusSuccess, Metadata: ev.Metadata}, true); err != nil {
					return err
				}
			default:
				msg := ev.Message
				if msg == "" {
					msg = fmt.Sprintf("build status %q", ev.Status)
				}
				if err := x.record(ctx, failure(ev.Key, errors.New(msg), ev.Metadata), true); err != nil {
					return err
				}
			}
		}
	}

	if streamErr == nil {
		return nil
	}

	log.Error("build tool failed", "error", streamErr)
	// Everything requested that the tool never reported on, or reported only
	// as skipped, fails. Assets already blocked by a reported failure keep
	// their block.
	var unsettled []assets.Key
	for _, key := range batch {
		if x.blocked.Has(key) {
			continue
		}
		if reported.Has(key) && !skipped.Has(key) {
			continue
		}
		unsettled = append(unsettled, key)
	}
	for _, key := range unsettled {
		if err := x.record(ctx, failure(key, streamErr, nil), false); err != nil {
			return err
		}
	}
	return nil
}

// record persists a result. When block is true a FAILURE blocks the asset's
// downstream closure.
func (x *execution) record(ctx context.Context, res models.AssetResult, block bool) error {
	if err := x.engine.store.AppendAssetResult(ctx, x.runID, res, x.engine.clock.Now()); err != nil {
		return fmt.Errorf("record %s: %w", res.Key, err)
	}
	x.engine.logger.Info("asset materialized", "run_id", x.runID, "asset", res.Key, "status", res.Status)

	if res.Status == models.AssetStatusFailure {
		x.failed = true
		if block {
			for k := range x.graph.Downstream(res.Key) {
				x.blocked.Add(k)
			}
		}
	}
	return nil
}

func failure(key assets.Key, err error, md map[string]any) models.AssetResult {
	out := make(map[string]any, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out[MetaError] = err.Error()
	return models.AssetResult{Key: key, Status: models.AssetStatusFailure, Metadata: out}
}
