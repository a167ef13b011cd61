package ipintel

import (
	"cmp"
	"slices"
	"strings"
)

const placeholder = "~"

// ReverseDomain removes every representation of ip from a reverse host
// name and returns the labels that remain. 66.249.66.1 resolving to
// crawl-66-249-66-1.googlebot.com yields googlebot.com.
func ReverseDomain(ip, host string) string {
	filtered := strings.ToLower(host)
	for _, rep := range representations(ip) {
		filtered = strings.ReplaceAll(filtered, rep, placeholder)
	}

	labels := strings.Split(filtered, ".")
	kept := labels[:0]
	for _, label := range labels {
		if label != "" && !strings.Contains(label, placeholder) {
			kept = append(kept, label)
		}
	}
	return strings.Join(kept, ".")
}

// representations lists the ways ip can appear in a host name, longest first
func representations(ip string) []string {
	ip = strings.ToLower(ip)
	reps := []string{
		ip,
		strings.ReplaceAll(ip, ".", ""),
		strings.ReplaceAll(ip, ".", "-"),
		strings.ReplaceAll(ip, ":", ""),
		strings.ReplaceAll(ip, ":", "-"),
	}

	quads := strings.Split(ip, ".")
	if len(quads) == 4 {
		reversed := slices.Clone(quads)
		slices.Reverse(reversed)
		reversedIP := strings.Join(reversed, ".")

		padded := make([]string, len(quads))
		for i, quad := range quads {
			padded[i] = strings.Repeat("0", max(0, 3-len(quad))) + quad
		}
		paddedIP := strings.Join(padded, ".")

		reps = append(reps,
			reversedIP,
			strings.ReplaceAll(reversedIP, ".", ""),
			strings.ReplaceAll(reversedIP, ".", "-"),
			paddedIP,
			strings.ReplaceAll(paddedIP, ".", ""),
			strings.ReplaceAll(paddedIP, ".", "-"),
		)
	}

	slices.SortFunc(reps, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})
	return slices.Compact(reps)
}
