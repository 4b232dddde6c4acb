package handshake

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
)

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, m)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Factorize splits pq into its two prime factors with Pollard-Brent,
// returning p < q.
func Factorize(pq uint64) (p, q uint64, err error) {
	if pq < 4 {
		return 0, 0, fmt.Errorf("%w: pq %d", ErrFactorization, pq)
	}
	if pq%2 == 0 {
		return 2, pq / 2, nil
	}

	for attempt := 0; attempt < 16; attempt++ {
		if d := brent(pq, rand.Uint64N(pq-1)+1, rand.Uint64N(pq-1)+1); d != 0 && d != pq {
			p, q = d, pq/d
			if p > q {
				p, q = q, p
			}
			return p, q, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: pq %d", ErrFactorization, pq)
}

func brent(n, y, c uint64) uint64 {
	const m = 128
	var (
		g, r, q uint64 = 1, 1, 1
		x, ys   uint64
	)
	f := func(v uint64) uint64 { return (mulMod(v, v, n) + c) % n }

	for g == 1 {
		x = y
		for i := uint64(0); i < r; i++ {
			y = f(y)
		}
		for k := uint64(0); k < r && g == 1; k += m {
			ys = y
			for i := uint64(0); i < min(m, r-k); i++ {
				y = f(y)
				q = mulMod(q, absDiff(x, y), n)
			}
			g = gcd(q, n)
		}
		r *= 2
	}
	if g == n {
		for {
			ys = f(ys)
			g = gcd(absDiff(x, ys), n)
			if g > 1 {
				break
			}
		}
	}
	return g
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
