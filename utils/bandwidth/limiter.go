// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bandwidth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize is the number of bits a single token bucket unit represents.
	// Reservations are converted from bytes to tokens by this factor.
	TokenSize int64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

// Limiter rate limits egress / ingress traffic as two independent token
// buckets. Reservations block until enough tokens have accumulated.
type Limiter struct {
	config Config

	egress  *rate.Limiter
	ingress *rate.Limiter

	mu             sync.RWMutex
	currentEgress  int64
	currentIngress int64
}

// NewLimiter creates a new Limiter. If config.Enable is false, reservations
// are always immediately satisfied.
func NewLimiter(config Config) (*Limiter, error) {
	l := &Limiter{
		config:         config,
		currentEgress:  int64(config.EgressBitsPerSec),
		currentIngress: int64(config.IngressBitsPerSec),
	}
	if !config.Enable {
		return l, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, fmt.Errorf("egress_bits_per_sec must be non-zero")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, fmt.Errorf("ingress_bits_per_sec must be non-zero")
	}
	if config.TokenSize <= 0 {
		config.TokenSize = 1
		l.config.TokenSize = 1
	}
	l.egress = newTokenLimiter(config.EgressBitsPerSec, config.TokenSize)
	l.ingress = newTokenLimiter(config.IngressBitsPerSec, config.TokenSize)
	return l, nil
}

func newTokenLimiter(bps uint64, tokenSize int64) *rate.Limiter {
	tps := float64(bps) / float64(tokenSize)
	return rate.NewLimiter(rate.Limit(tps), int(tps))
}

func (l *Limiter) tokens(nbytes int64) int64 {
	nbits := nbytes * 8
	tokens := nbits / l.config.TokenSize
	if tokens == 0 && nbits > 0 {
		tokens = 1
	}
	return tokens
}

func (l *Limiter) reserve(limiter *rate.Limiter, nbytes int64) error {
	if limiter == nil {
		return nil
	}
	return limiter.WaitN(context.Background(), int(l.tokens(nbytes)))
}

// ReserveEgress blocks until nbytes of egress bandwidth is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of ingress bandwidth is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust scales the configured limits down by denom, with a floor of one
// bit per second in each direction. Used to divide bandwidth evenly across
// a changing number of active torrents.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return fmt.Errorf("bandwidth: denom must be non-zero")
	}

	egress := int64(l.config.EgressBitsPerSec) / int64(denom)
	if egress < 1 {
		egress = 1
	}
	ingress := int64(l.config.IngressBitsPerSec) / int64(denom)
	if ingress < 1 {
		ingress = 1
	}

	l.mu.Lock()
	l.currentEgress = egress
	l.currentIngress = ingress
	l.mu.Unlock()

	if l.egress != nil {
		tps := float64(egress) / float64(l.config.TokenSize)
		l.egress.SetLimit(rate.Limit(tps))
		l.egress.SetBurst(int(tps))
	}
	if l.ingress != nil {
		tps := float64(ingress) / float64(l.config.TokenSize)
		l.ingress.SetLimit(rate.Limit(tps))
		l.ingress.SetBurst(int(tps))
	}
	return nil
}

// EgressLimit returns the current egress limit in bits per second.
func (l *Limiter) EgressLimit() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentEgress
}

// IngressLimit returns the current ingress limit in bits per second.
func (l *Limiter) IngressLimit() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentIngress
}
