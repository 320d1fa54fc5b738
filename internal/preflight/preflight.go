package preflight

import (
	"context"

	"lectern/internal/config"
	"lectern/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes the directory, disk space, and stage checks for cfg.
// Stage probes are skipped when stages is nil.
func RunAll(ctx context.Context, cfg *config.Config, stages *stage.Set) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckFreeSpace("Data directory space", cfg.Paths.DataDir, MinFreeBytes),
	}
	if cfg.Paths.LogDir != "" && cfg.Paths.LogDir != cfg.Paths.DataDir {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if stages != nil {
		results = append(results, CheckStages(ctx, *stages)...)
	}
	return results
}

// Failed filters results down to the checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
