// Package quota resolves caller policies, authorizes commands and clamps
// request parameters to what a caller is allowed to ask for.
package quota

import (
	"context"
)

// FreeTier is the caller id of the shared public key. It never receives
// personal limits and may not issue mutating commands.
const FreeTier = "freekey"

// Limits caps the parameters of one command. Zero means "not set".
type Limits struct {
	MaxLimit  int `yaml:"limit"`
	MaxPeriod int `yaml:"maxPeriod"`
}

// Policy is what a caller may do.
type Policy struct {
	CallerID        string
	AllowedCommands []string // empty = unrestricted
	Limits          map[string]Limits
	Suspended       bool
	Rate            float64 // requests per second; 0 = unlimited
	Burst           int
}

func (p Policy) Allows(command string) bool {
	if len(p.AllowedCommands) == 0 {
		return true
	}
	for _, c := range p.AllowedCommands {
		if c == command {
			return true
		}
	}
	return false
}

func (p Policy) IsFreeTier() bool { return p.CallerID == FreeTier }

// Clamp describes a numeric request parameter: the value used when the
// request omits it, the cap used when the policy sets none, and an absolute
// ceiling no policy can lift. HardMax 0 means no ceiling beyond Cap.
type Clamp struct {
	Default int
	Cap     int
	HardMax int
}

// EffectiveLimit clamps a requested row count for command.
func (p Policy) EffectiveLimit(command string, requested *int, c Clamp) int {
	return Effective(requested, c.Default, p.Limits[command].MaxLimit, c.Cap, c.HardMax)
}

// EffectivePeriod clamps a requested period (days or seconds, per command).
func (p Policy) EffectivePeriod(command string, requested *int, c Clamp) int {
	return Effective(requested, c.Default, p.Limits[command].MaxPeriod, c.Cap, c.HardMax)
}

// MaxPeriod returns the policy's period cap for command, or def.
func (p Policy) MaxPeriod(command string, def int) int {
	if v := p.Limits[command].MaxPeriod; v > 0 {
		return v
	}
	return def
}

// Effective computes max(min(abs(requested ?? def), min(policyLimit ?? cap, hardMax)), 1).
func Effective(requested *int, def, policyLimit, cap, hardMax int) int {
	v := def
	if requested != nil {
		v = *requested
	}
	if v < 0 {
		v = -v
	}
	limit := cap
	if policyLimit > 0 {
		limit = policyLimit
	}
	if hardMax > 0 && limit > hardMax {
		limit = hardMax
	}
	if v > limit {
		v = limit
	}
	if v < 1 {
		v = 1
	}
	return v
}

// Resolver looks up caller policies. An unknown caller yields an error
// classified as fault.Auth.
type Resolver interface {
	Resolve(ctx context.Context, callerID string) (Policy, error)
}
