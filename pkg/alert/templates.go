package alert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beaconhq/beacon/pkg/types"
)

// renderTitle produces the alert headline from the rule and observed value
func renderTitle(rule *types.AlertRule, value float64) string {
	if rule.Name != "" {
		return rule.Name
	}
	return fmt.Sprintf("%s %s %s", rule.Metric, rule.Operator, trimFloat(rule.Threshold))
}

// renderDescription expands {{placeholder}} tokens in the rule description.
// An empty description falls back to a generated sentence.
func renderDescription(rule *types.AlertRule, value float64) string {
	if rule.Description == "" {
		return fmt.Sprintf("%s is %s (threshold %s %s over %dm)",
			rule.Metric, trimFloat(value), rule.Operator, trimFloat(rule.Threshold), rule.WindowMinutes)
	}

	replacer := strings.NewReplacer(
		"{{metric}}", rule.Metric,
		"{{value}}", trimFloat(value),
		"{{threshold}}", trimFloat(rule.Threshold),
		"{{operator}}", string(rule.Operator),
		"{{severity}}", string(rule.Severity),
		"{{window}}", strconv.Itoa(rule.WindowMinutes),
	)
	return replacer.Replace(rule.Description)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
