package mason

import (
	"context"
	"fmt"
	"strings"
)

// repairCostMatrix holds base repair costs in cents per room and item.
// The "default" keys are fallbacks at each level.
var repairCostMatrix = map[string]map[string]int64{
	"kitchen": {
		"sink":       15000,
		"faucet":     12000,
		"countertop": 50000,
		"cabinet":    25000,
		"appliance":  75000,
		"flooring":   40000,
		"default":    20000,
	},
	"bathroom": {
		"toilet":  25000,
		"sink":    15000,
		"faucet":  12000,
		"shower":  45000,
		"bathtub": 60000,
		"tile":    35000,
		"mirror":  10000,
		"default": 18000,
	},
	"bedroom": {
		"carpet":      35000,
		"flooring":    40000,
		"closet_door": 15000,
		"window":      25000,
		"blinds":      8000,
		"default":     15000,
	},
	"living_room": {
		"carpet":    45000,
		"flooring":  50000,
		"window":    25000,
		"blinds":    8000,
		"fireplace": 80000,
		"default":   20000,
	},
	"default": {
		"door":          20000,
		"wall":          15000,
		"ceiling":       25000,
		"light_fixture": 10000,
		"outlet":        8000,
		"switch":        5000,
		"default":       15000,
	},
}

// conditionMultipliers scale the base cost by how far the rating dropped.
var conditionMultipliers = map[int]float64{
	-4: 1.0,
	-3: 0.8,
	-2: 0.5,
	-1: 0.25,
}

const defaultMultiplier = 0.5

// MatrixAdvisor is the built-in rule table used when no remote advisor is
// configured.
type MatrixAdvisor struct{}

func NewMatrixAdvisor() *MatrixAdvisor {
	return &MatrixAdvisor{}
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func (m *MatrixAdvisor) Estimate(_ context.Context, req Request) (*Estimate, error) {
	if req.ConditionChange >= 0 && !req.Damaged {
		return &Estimate{Confidence: 1, Reasoning: "no degradation"}, nil
	}

	room, item := normalize(req.Room), normalize(req.Item)
	confidence := 0.6

	costs, ok := repairCostMatrix[room]
	if !ok {
		costs = repairCostMatrix["default"]
		confidence = 0.4
	}
	base, ok := costs[item]
	if !ok {
		base = costs["default"]
		confidence -= 0.1
	}

	mult, ok := conditionMultipliers[req.ConditionChange]
	if !ok {
		mult = defaultMultiplier
	}

	return &Estimate{
		RepairCents: int64(float64(base) * mult),
		Confidence:  confidence,
		Reasoning:   fmt.Sprintf("base %d cents for %s/%s x %.2f for condition change %d", base, room, item, mult, req.ConditionChange),
	}, nil
}
