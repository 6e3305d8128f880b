package definitions

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/sensor"
)

// LoadCUE reads definitions from a .cue file or a directory holding one CUE
// package. The layout is:
//
//	asset: "kaggle_raw/transactions": {
//	    kind:  "ingestion"
//	    group: "ingestion"
//	    load: {source_path: "data/raw/creditcard.csv", table: "transactions"}
//	}
//	asset: stg_raw_transactions: upstream: ["kaggle_raw/transactions"]
//	job: credit_card_pipeline: selection: all: true
//	schedule: daily_pipeline_schedule: {job: "credit_card_pipeline", cron: "0 2 * * *", timezone: "Asia/Singapore"}
//	sensor: data_freshness_sensor: {job: "credit_card_pipeline", threshold: "6h", min_interval: "30s"}
//	dbt: manifest: "dbt_project/target/manifest.json"
func LoadCUE(path string) (Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Spec{}, fmt.Errorf("definitions: %w", err)
	}

	ctx := cuecontext.New()
	var v cue.Value
	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return Spec{}, fmt.Errorf("definitions: no CUE instances in %s", path)
		}
		if err := instances[0].Err; err != nil {
			return Spec{}, fmt.Errorf("definitions: loading CUE files: %w", err)
		}
		v = ctx.BuildInstance(instances[0])
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return Spec{}, fmt.Errorf("definitions: %w", err)
		}
		v = ctx.CompileBytes(data, cue.Filename(path))
	}
	if err := v.Err(); err != nil {
		return Spec{}, fmt.Errorf("definitions: building CUE value: %w", err)
	}
	return CompileCUE(v)
}

type assetDecl struct {
	Upstream    []string     `json:"upstream"`
	Group       string       `json:"group"`
	Kind        string       `json:"kind"`
	Load        *ingest.Spec `json:"load"`
	Description string       `json:"description"`
}

type jobDecl struct {
	Selection struct {
		All    bool     `json:"all"`
		Keys   []string `json:"keys"`
		Groups []string `json:"groups"`
	} `json:"selection"`
	Description string `json:"description"`
}

type scheduleDecl struct {
	Job      string `json:"job"`
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

type sensorDecl struct {
	Job         string `json:"job"`
	Threshold   string `json:"threshold"`
	MinInterval string `json:"min_interval"`
}

// CompileCUE converts an evaluated CUE value into a Spec. Every malformed
// declaration is reported; the errors are joined.
func CompileCUE(v cue.Value) (Spec, error) {
	var (
		spec Spec
		errs []error
	)

	eachField(v, "asset", &errs, func(name string, fv cue.Value) error {
		var decl assetDecl
		if err := fv.Decode(&decl); err != nil {
			return err
		}
		key, err := assets.ParseKey(name)
		if err != nil {
			return err
		}
		node := assets.Node{
			Key:         key,
			Group:       decl.Group,
			Kind:        assets.Kind(decl.Kind),
			Load:        decl.Load,
			Description: decl.Description,
		}
		for _, up := range decl.Upstream {
			k, err := assets.ParseKey(up)
			if err != nil {
				return fmt.Errorf("upstream: %w", err)
			}
			node.Upstream = append(node.Upstream, k)
		}
		spec.Assets = append(spec.Assets, node)
		return nil
	})

	eachField(v, "job", &errs, func(name string, fv cue.Value) error {
		var decl jobDecl
		if err := fv.Decode(&decl); err != nil {
			return err
		}
		var parts []assets.Selection
		if decl.Selection.All {
			parts = append(parts, assets.All())
		}
		if len(decl.Selection.Keys) > 0 {
			keys := make([]assets.Key, 0, len(decl.Selection.Keys))
			for _, s := range decl.Selection.Keys {
				k, err := assets.ParseKey(s)
				if err != nil {
					return fmt.Errorf("selection: %w", err)
				}
				keys = append(keys, k)
			}
			parts = append(parts, assets.Keys(keys...))
		}
		if len(decl.Selection.Groups) > 0 {
			parts = append(parts, assets.Groups(decl.Selection.Groups...))
		}

		job := Job{Name: name, Description: decl.Description}
		switch len(parts) {
		case 0:
			return errors.New("selection must set all, keys or groups")
		case 1:
			job.Selection = parts[0]
		default:
			job.Selection = assets.Union(parts...)
		}
		spec.Jobs = append(spec.Jobs, job)
		return nil
	})

	eachField(v, "schedule", &errs, func(name string, fv cue.Value) error {
		var decl scheduleDecl
		if err := fv.Decode(&decl); err != nil {
			return err
		}
		spec.Schedules = append(spec.Schedules, ScheduleSpec{
			Name:     name,
			Job:      decl.Job,
			Cron:     decl.Cron,
			Timezone: decl.Timezone,
		})
		return nil
	})

	eachField(v, "sensor", &errs, func(name string, fv cue.Value) error {
		var decl sensorDecl
		if err := fv.Decode(&decl); err != nil {
			return err
		}
		def := sensor.Definition{Name: name, JobName: decl.Job, MinInterval: sensor.DefaultMinInterval}
		var err error
		if decl.Threshold != "" {
			if def.Threshold, err = time.ParseDuration(decl.Threshold); err != nil {
				return fmt.Errorf("threshold: %w", err)
			}
		}
		if decl.MinInterval != "" {
			if def.MinInterval, err = time.ParseDuration(decl.MinInterval); err != nil {
				return fmt.Errorf("min_interval: %w", err)
			}
		}
		spec.Sensors = append(spec.Sensors, def)
		return nil
	})

	if mv := v.LookupPath(cue.ParsePath("dbt.manifest")); mv.Exists() {
		s, err := mv.String()
		if err != nil {
			errs = append(errs, &Error{Field: "dbt.manifest", Message: err.Error()})
		} else {
			spec.DBTManifest = s
		}
	}

	return spec, errors.Join(errs...)
}

// eachField calls fn for every field of the struct at section, recording
// failures with the field path and source position.
func eachField(v cue.Value, section string, errs *[]error, fn func(name string, fv cue.Value) error) {
	sv := v.LookupPath(cue.MakePath(cue.Str(section)))
	if !sv.Exists() {
		return
	}
	iter, err := sv.Fields()
	if err != nil {
		*errs = append(*errs, &Error{Field: section, Message: err.Error()})
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		fv := iter.Value()
		if err := fn(name, fv); err != nil {
			msg := err.Error()
			if pos := fv.Pos(); pos.IsValid() {
				msg = fmt.Sprintf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), msg)
			}
			*errs = append(*errs, &Error{Field: section + "." + name, Message: msg})
		}
	}
}
