package runtime

import "strings"

// Per-million-token USD pricing by model family. Unknown models cost zero;
// the figure is informational, not billing-grade.
var pricing = []struct {
	match   string
	in, out float64
}{
	{"opus", 15.0, 75.0},
	{"sonnet", 3.0, 15.0},
	{"haiku", 0.80, 4.0},
}

func costUSD(model string, usage Usage) float64 {
	model = strings.ToLower(model)
	for _, p := range pricing {
		if strings.Contains(model, p.match) {
			return float64(usage.InputTokens)/1e6*p.in + float64(usage.OutputTokens)/1e6*p.out
		}
	}
	return 0
}
