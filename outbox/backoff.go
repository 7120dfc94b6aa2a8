package outbox

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Initial        time.Duration `yaml:"initial"`
	Max            time.Duration `yaml:"max"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitterFraction"`
}

// DefaultBackoff starts at five seconds and caps at thirty minutes.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        5 * time.Second,
		Max:            30 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = def.Multiplier
	}
	if b.JitterFraction < 0 {
		b.JitterFraction = 0
	}
	return b
}

// Delay returns the wait before the attempt following attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if base > float64(b.Max) {
		base = float64(b.Max)
	}
	if b.JitterFraction > 0 {
		base += base * b.JitterFraction * (cryptoFloat64()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a uniform float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
