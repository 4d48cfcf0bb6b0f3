package dispatch

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }

// formatFloat não usa notação científica para valores comuns.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// retryAfterSeconds arredonda para cima, com mínimo de 1s.
func retryAfterSeconds(d float64) int {
	n := int(d)
	if float64(n) < d {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
