package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

const dateLayout = "2006-01-02"

// parseDate parses a required YYYY-MM-DD flag value.
func parseDate(value, flag string) (time.Time, error) {
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", flag, value)
	}
	return d, nil
}

// parseDateOrToday parses an optional date flag, defaulting to today.
func parseDateOrToday(value, flag string) (time.Time, error) {
	if value == "" {
		now := time.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return parseDate(value, flag)
}

// splitList splits a comma-separated flag into trimmed non-empty items.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// formatNumber renders a float with thousands separators, no decimals.
func formatNumber(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%.0f", v)
	var b strings.Builder
	for i, ch := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(ch)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// printSeparator prints a visual separator line.
func printSeparator() {
	fmt.Println(strings.Repeat("─", 60))
}

// printDegradations lists any degraded behaviors taken during a run.
func printDegradations(degs []contracts.Degradation) {
	if len(degs) == 0 {
		return
	}
	fmt.Println("\n⚠️  Degradations:")
	for _, d := range degs {
		fmt.Printf("   - %s: %s\n", d.Code, d.Detail)
	}
}

// printWeights prints portfolio weights sorted descending.
func printWeights(weights map[string]float64) {
	type entry struct {
		code   string
		weight float64
	}
	entries := make([]entry, 0, len(weights))
	for code, w := range weights {
		entries = append(entries, entry{code, w})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return entries[i].code < entries[j].code
	})
	for _, e := range entries {
		fmt.Printf("   %-12s %6.2f%%\n", e.code, e.weight*100)
	}
}
