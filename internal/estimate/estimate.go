// Package estimate turns an entity inventory into a bottom-up effort
// estimate with multipliers, migration effort, fixed additional effort and a
// risk buffer.
package estimate

import (
	"fmt"
	"sort"
	"strings"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Hours per entity, keyed by entity type then complexity.
var estimationTable = map[string]map[Complexity]float64{
	"content_type":    {ComplexitySimple: 3, ComplexityMedium: 6, ComplexityComplex: 12},
	"paragraph":       {ComplexitySimple: 1.5, ComplexityMedium: 3.5, ComplexityComplex: 6},
	"taxonomy":        {ComplexitySimple: 1.5, ComplexityMedium: 3, ComplexityComplex: 6},
	"media_type":      {ComplexitySimple: 1.5, ComplexityMedium: 3, ComplexityComplex: 3.5},
	"view":            {ComplexitySimple: 3, ComplexityMedium: 6, ComplexityComplex: 12},
	"webform":         {ComplexitySimple: 3, ComplexityMedium: 6, ComplexityComplex: 12},
	"block":           {ComplexitySimple: 1.5, ComplexityMedium: 3, ComplexityComplex: 6},
	"custom_module":   {ComplexitySimple: 12, ComplexityMedium: 28, ComplexityComplex: 70},
	"theme_component": {ComplexitySimple: 3, ComplexityMedium: 6, ComplexityComplex: 12},
}

const (
	migrationSetupHours = 30
	migrationBasePer100 = 10
	infrastructureHours = 60
	trainingHours       = 30
	pmPercentage        = 0.18
)

var migrationMultipliers = map[Complexity]float64{
	ComplexitySimple:  1.0,
	ComplexityMedium:  2.0,
	ComplexityComplex: 3.5,
}

var bufferPercentages = map[RiskLevel]float64{
	RiskLow:    0.15,
	RiskMedium: 0.20,
	RiskHigh:   0.25,
}

// Entity is one item from the audited inventory.
type Entity struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Complexity Complexity `json:"complexity"`
}

// Migration describes the content volume to move.
type Migration struct {
	Nodes      int        `json:"nodes"`
	Complexity Complexity `json:"complexity"`
}

// Input is the audited inventory the estimate is derived from.
type Input struct {
	ProjectName string             `json:"projectName,omitempty"`
	Entities    []Entity           `json:"entities"`
	Multipliers map[string]float64 `json:"multipliers,omitempty"`
	Migration   *Migration         `json:"migration,omitempty"`
	RiskLevel   RiskLevel          `json:"riskLevel,omitempty"`
	Assumptions []string           `json:"assumptions,omitempty"`
	Risks       []string           `json:"risks,omitempty"`
}

// EntityHours is one line of the estimate breakdown.
type EntityHours struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Complexity Complexity `json:"complexity"`
	Hours      float64    `json:"hours"`
}

// Range brackets the estimate for planning.
type Range struct {
	Optimistic  float64 `json:"optimistic"`
	Likely      float64 `json:"likely"`
	Pessimistic float64 `json:"pessimistic"`
}

// Result is a complete estimate.
type Result struct {
	BaseHours          float64            `json:"baseHours"`
	MultiplierHours    float64            `json:"multiplierHours"`
	MigrationHours     float64            `json:"migrationHours"`
	AdditionalHours    float64            `json:"additionalHours"`
	Subtotal           float64            `json:"subtotal"`
	BufferHours        float64            `json:"bufferHours"`
	TotalHours         float64            `json:"totalHours"`
	Hours              Range              `json:"hours"`
	EntityBreakdown    []EntityHours      `json:"entityBreakdown"`
	MultipliersApplied map[string]float64 `json:"multipliersApplied"`
	RiskLevel          RiskLevel          `json:"riskLevel"`
	Assumptions        []string           `json:"assumptions"`
	Risks              []string           `json:"risks"`
}

var defaultAssumptions = []string{
	"Requirements are clearly defined",
	"Team has platform experience",
	"Standard development practices followed",
	"No major scope changes expected",
}

var defaultRisks = []string{
	"Requirements may evolve during development",
	"Migration complexity may be higher than assessed",
	"Third-party integrations may require additional effort",
}

func normalizeComplexity(c Complexity) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(string(c)))) {
	case ComplexitySimple:
		return ComplexitySimple
	case ComplexityComplex:
		return ComplexityComplex
	default:
		return ComplexityMedium
	}
}

func normalizeRisk(r RiskLevel) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(string(r)))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Calculate produces the full bottom-up estimate for an inventory.
func Calculate(input Input) (Result, error) {
	baseHours := 0.0
	breakdown := make([]EntityHours, 0, len(input.Entities))
	for _, entity := range input.Entities {
		entityType := strings.ToLower(strings.TrimSpace(entity.Type))
		table, ok := estimationTable[entityType]
		if !ok {
			return Result{}, fmt.Errorf("unknown entity type %q", entity.Type)
		}
		complexity := normalizeComplexity(entity.Complexity)
		hours := table[complexity]
		breakdown = append(breakdown, EntityHours{
			Name:       entity.Name,
			Type:       entityType,
			Complexity: complexity,
			Hours:      hours,
		})
		baseHours += hours
	}

	multiplierHours := 0.0
	applied := make(map[string]float64, len(input.Multipliers))
	keys := make([]string, 0, len(input.Multipliers))
	for key := range input.Multipliers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		hours := baseHours * input.Multipliers[key]
		applied[key] = hours
		multiplierHours += hours
	}

	migrationHours := 0.0
	if input.Migration != nil && input.Migration.Nodes > 0 {
		multiplier := migrationMultipliers[normalizeComplexity(input.Migration.Complexity)]
		hoursPer100 := migrationBasePer100 * multiplier
		migrationHours = migrationSetupHours + float64(input.Migration.Nodes)/100*hoursPer100
	}

	// PM effort applies to everything before the buffer.
	subtotalBeforePM := baseHours + multiplierHours + migrationHours + infrastructureHours + trainingHours
	pmHours := subtotalBeforePM * pmPercentage
	additionalHours := infrastructureHours + trainingHours + pmHours
	subtotal := subtotalBeforePM + pmHours

	riskLevel := normalizeRisk(input.RiskLevel)
	bufferHours := subtotal * bufferPercentages[riskLevel]
	totalHours := subtotal + bufferHours

	assumptions := input.Assumptions
	if len(assumptions) == 0 {
		assumptions = append([]string(nil), defaultAssumptions...)
	}
	risks := input.Risks
	if len(risks) == 0 {
		risks = append([]string(nil), defaultRisks...)
	}

	return Result{
		BaseHours:       baseHours,
		MultiplierHours: multiplierHours,
		MigrationHours:  migrationHours,
		AdditionalHours: additionalHours,
		Subtotal:        subtotal,
		BufferHours:     bufferHours,
		TotalHours:      totalHours,
		Hours: Range{
			Optimistic:  baseHours,
			Likely:      totalHours,
			Pessimistic: totalHours * 1.3,
		},
		EntityBreakdown:    breakdown,
		MultipliersApplied: applied,
		RiskLevel:          riskLevel,
		Assumptions:        assumptions,
		Risks:              risks,
	}, nil
}
