package phasegraph

import "github.com/sitescope-labs/sitescope-go/internal/domain"

// DefaultPhases is the built-in website-audit phase graph. Discovery
// feeds two independent analysis phases, which both gate estimation.
func DefaultPhases() []domain.PhaseDefinition {
	return []domain.PhaseDefinition{
		{
			ID:    "discovery",
			Label: "Site discovery",
			Agents: []domain.AgentDefinition{
				{Name: "sitemap_crawler", Label: "Sitemap crawl"},
				{Name: "entity_extractor", Label: "Entity extraction"},
			},
		},
		{
			ID:        "content_audit",
			Label:     "Content audit",
			DependsOn: []string{"discovery"},
			Agents: []domain.AgentDefinition{
				{Name: "content_inventory", Label: "Content inventory"},
			},
		},
		{
			ID:        "tech_match",
			Label:     "Technology matching",
			DependsOn: []string{"discovery"},
			Agents: []domain.AgentDefinition{
				{Name: "platform_matcher", Label: "Platform match"},
				{Name: "integration_scanner", Label: "Integration scan"},
			},
		},
		{
			ID:        "estimation",
			Label:     "Cost estimation",
			DependsOn: []string{"content_audit", "tech_match"},
			Agents: []domain.AgentDefinition{
				{Name: "cost_estimator", Label: "Cost estimate"},
			},
		},
		{
			ID:        "report",
			Label:     "Report generation",
			DependsOn: []string{"estimation"},
			Agents: []domain.AgentDefinition{
				{Name: "report_builder", Label: "Audit report"},
			},
		},
	}
}
