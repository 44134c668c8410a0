// Package quality maps fleet size to a scrcpy streaming profile.
package quality

import (
	"errors"
	"fmt"
)

const mib = 1 << 20

// Tier is one streaming profile. MaxDevices is the inclusive upper bound of
// the fleet size served by the tier; zero means unbounded.
type Tier struct {
	Label       string `json:"label" yaml:"label"`
	MaxDevices  int    `json:"max_devices" yaml:"max_devices"`
	MaxSize     int    `json:"max_size" yaml:"max_size"`         // longest screen edge in pixels
	BitRate     int    `json:"bit_rate" yaml:"bit_rate"`         // bits per second
	MaxFPS      int    `json:"max_fps" yaml:"max_fps"`           // frames per second
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes"` // decoder + buffer footprint estimate
}

func (t Tier) String() string {
	return fmt.Sprintf("%s (%dp, %.1f Mbps, %dfps)", t.Label, t.MaxSize, float64(t.BitRate)/1e6, t.MaxFPS)
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{Label: "Ultra", MaxDevices: 5, MaxSize: 1080, BitRate: 8_000_000, MaxFPS: 60, MemoryBytes: 12 * mib},
		{Label: "High", MaxDevices: 20, MaxSize: 720, BitRate: 4_000_000, MaxFPS: 30, MemoryBytes: 6 * mib},
		{Label: "Medium", MaxDevices: 50, MaxSize: 540, BitRate: 2_000_000, MaxFPS: 20, MemoryBytes: 4 * mib},
		{Label: "Low", MaxDevices: 100, MaxSize: 480, BitRate: 1_000_000, MaxFPS: 15, MemoryBytes: 3 * mib},
		{Label: "Minimum", MaxDevices: 0, MaxSize: 240, BitRate: 500_000, MaxFPS: 10, MemoryBytes: 2 * mib},
	}
}

// Policy selects a tier for a device count. It holds no mutable state.
type Policy struct {
	tiers []Tier
}

// NewPolicy validates the table and returns a policy over a copy of it.
//
// Rules:
//  1. At least one tier.
//  2. Bounded tiers strictly ascending, the last tier unbounded.
//  3. Resolution, bitrate and frame rate never increase from one tier to the next.
func NewPolicy(tiers []Tier) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, errors.New("quality: empty tier table")
	}
	for i, t := range tiers {
		if t.Label == "" {
			return nil, fmt.Errorf("quality: tier %d has no label", i)
		}
		if t.MaxSize <= 0 || t.BitRate <= 0 || t.MaxFPS <= 0 {
			return nil, fmt.Errorf("quality: tier %q needs positive max_size, bit_rate and max_fps", t.Label)
		}
		last := i == len(tiers)-1
		if last && t.MaxDevices != 0 {
			return nil, fmt.Errorf("quality: last tier %q must be unbounded (max_devices: 0)", t.Label)
		}
		if !last && t.MaxDevices <= 0 {
			return nil, fmt.Errorf("quality: tier %q must set max_devices", t.Label)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if !last && t.MaxDevices <= prev.MaxDevices {
			return nil, fmt.Errorf("quality: tier %q bound %d not above %d", t.Label, t.MaxDevices, prev.MaxDevices)
		}
		if t.MaxSize > prev.MaxSize || t.BitRate > prev.BitRate || t.MaxFPS > prev.MaxFPS {
			return nil, fmt.Errorf("quality: tier %q is higher quality than %q", t.Label, prev.Label)
		}
	}
	return &Policy{tiers: append([]Tier(nil), tiers...)}, nil
}

// MustDefault returns the policy over DefaultTiers.
func MustDefault() *Policy {
	p, err := NewPolicy(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return p
}

// SelectTier returns the tier for count devices. Negative counts are treated as zero.
func (p *Policy) SelectTier(count int) Tier {
	if count < 0 {
		count = 0
	}
	for _, t := range p.tiers {
		if t.MaxDevices == 0 || count <= t.MaxDevices {
			return t
		}
	}
	return p.tiers[len(p.tiers)-1]
}

// Tiers returns a copy of the table.
func (p *Policy) Tiers() []Tier {
	return append([]Tier(nil), p.tiers...)
}
