package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/planner"
	"github.com/yuya-takeyama/bucket-mirror/pkg/syncer"
)

// PlanReport represents the planned operations before execution
type PlanReport struct {
	Files   []PlanFile      `json:"files"`
	Summary planner.Summary `json:"summary"`
}

type PlanFile struct {
	Action string `json:"action"` // "skip", "create", "update", "delete"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// ResultReport represents the actual execution results
type ResultReport struct {
	Files   []ResultFile  `json:"files"`
	Errors  []ErrorFile   `json:"errors"`
	Summary ResultSummary `json:"summary"`
}

type ResultFile struct {
	Action string `json:"action"` // "skipped", "created", "updated", "deleted"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

type ErrorFile struct {
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

type ResultSummary struct {
	Skipped       int    `json:"skipped"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	Deleted       int    `json:"deleted"`
	Failed        int    `json:"failed"`
	Pending       int    `json:"pending"`
	Incomplete    bool   `json:"incomplete"`
	BytesUploaded int64  `json:"bytes_uploaded"`
	Duration      string `json:"duration"`
}

func uploadAction(reason planner.Reason) string {
	if reason == planner.ReasonNew {
		return "create"
	}
	return "update"
}

func buildPlanReport(mapper pathmap.Mapper, plan *planner.Plan) PlanReport {
	report := PlanReport{Files: []PlanFile{}, Summary: plan.Summary()}
	for _, item := range plan.Items {
		file := PlanFile{Target: mapper.URI(item.Key), Reason: string(item.Reason)}
		switch item.Action {
		case planner.ActionUpload:
			file.Action = uploadAction(item.Reason)
			file.Source = item.AbsPath
		case planner.ActionSkip:
			file.Action = "skip"
			file.Source = item.AbsPath
		case planner.ActionDelete:
			file.Action = "delete"
		}
		report.Files = append(report.Files, file)
	}
	return report
}

// buildResultReport lists what happened per file. Items that never ran
// because the run was cancelled are only counted in Summary.Pending.
func buildResultReport(mapper pathmap.Mapper, result *syncer.Result) ResultReport {
	report := ResultReport{
		Files:  []ResultFile{},
		Errors: []ErrorFile{},
		Summary: ResultSummary{
			Skipped:       result.Skipped,
			Deleted:       result.Deleted,
			Failed:        len(result.Failed) + len(result.DeleteFailed),
			Pending:       result.Pending,
			Incomplete:    result.Incomplete,
			BytesUploaded: result.BytesUploaded,
			Duration:      result.Duration.String(),
		},
	}

	for _, d := range result.Plan.Degraded {
		report.Errors = append(report.Errors, ErrorFile{
			Action: "read",
			Source: d.AbsPath,
			Target: mapper.URI(mapper.ListPrefix() + d.RelPath),
			Error:  d.Err.Error(),
		})
	}
	for _, item := range result.Plan.Skips() {
		report.Files = append(report.Files, ResultFile{Action: "skipped", Source: item.AbsPath, Target: mapper.URI(item.Key)})
	}

	for _, o := range result.Outcomes {
		if !o.Started {
			continue
		}
		item := o.Item
		target := mapper.URI(item.Key)

		if item.Action == planner.ActionDelete {
			if o.Err != nil {
				report.Errors = append(report.Errors, ErrorFile{Action: "delete", Target: target, Error: o.Err.Error()})
				continue
			}
			report.Files = append(report.Files, ResultFile{Action: "deleted", Target: target})
			continue
		}

		action := uploadAction(item.Reason)
		if o.Err != nil {
			report.Errors = append(report.Errors, ErrorFile{Action: action, Source: item.AbsPath, Target: target, Error: o.Err.Error()})
			continue
		}
		if action == "create" {
			report.Summary.Created++
			report.Files = append(report.Files, ResultFile{Action: "created", Source: item.AbsPath, Target: target})
		} else {
			report.Summary.Updated++
			report.Files = append(report.Files, ResultFile{Action: "updated", Source: item.AbsPath, Target: target})
		}
	}
	return report
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
