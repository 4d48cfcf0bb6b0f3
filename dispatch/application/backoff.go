package application

import (
	"math"
	"time"
)

// Backoff devolve a espera antes da tentativa seguinte à falha número attempt
// (1-based): base * 2^(attempt-1), limitada a cap. Sem jitter, para que o
// próximo instante elegível seja reproduzível a partir do registro persistido.
// Sem cap, a espera satura em math.MaxInt64 em vez de estourar.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if cap > 0 && d >= cap {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}
