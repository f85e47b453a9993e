package progress

import (
	"github.com/beaconhq/beacon/pkg/types"
)

// defaultWeightTable maps well-known stage names to their share of overall
// progress, per task kind.
var defaultWeightTable = map[types.TaskKind]map[string]float64{
	types.TaskKindDownload: {
		"metadata":    0.05,
		"downloading": 0.80,
		"extracting":  0.10,
		"finalizing":  0.05,
	},
	types.TaskKindTranscription: {
		"loading":      0.05,
		"transcribing": 0.85,
		"formatting":   0.10,
	},
	types.TaskKindConversion: {
		"probing":    0.05,
		"converting": 0.90,
		"finalizing": 0.05,
	},
	types.TaskKindUpload: {
		"preparing": 0.10,
		"uploading": 0.85,
		"verifying": 0.05,
	},
}

// resolveWeights normalizes caller-supplied weights, falls back to the
// per-kind default table when every stage is covered by it, and otherwise
// assigns uniform weights. The result always sums to 1.
func resolveWeights(kind types.TaskKind, stages []string, supplied map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(stages))

	if len(supplied) > 0 {
		for _, stage := range stages {
			weights[stage] = supplied[stage]
		}
		if normalize(weights) {
			return weights
		}
	}

	if table, ok := defaultWeightTable[kind]; ok {
		covered := true
		for _, stage := range stages {
			w, ok := table[stage]
			if !ok {
				covered = false
				break
			}
			weights[stage] = w
		}
		if covered && normalize(weights) {
			return weights
		}
	}

	uniform := 1.0 / float64(len(stages))
	for _, stage := range stages {
		weights[stage] = uniform
	}
	return weights
}

// normalize scales weights so they sum to 1; false when the sum is not positive
func normalize(weights map[string]float64) bool {
	var total float64
	for _, w := range weights {
		if w < 0 {
			return false
		}
		total += w
	}
	if total <= 0 {
		return false
	}
	for name, w := range weights {
		weights[name] = w / total
	}
	return true
}
