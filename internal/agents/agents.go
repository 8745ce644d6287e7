// Package agents provides the built-in audit agents. Each agent works off
// the run parameters alone, so a run with the same inputs reproduces the
// same outputs after a resume.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/estimate"
	"github.com/sitescope-labs/sitescope-go/internal/executor"
)

// Register wires every built-in agent into the registry.
func Register(reg *executor.Registry) error {
	builtins := map[string]executor.Agent{
		"sitemap_crawler":     SitemapCrawler,
		"entity_extractor":    EntityExtractor,
		"content_inventory":   ContentInventory,
		"platform_matcher":    PlatformMatcher,
		"integration_scanner": IntegrationScanner,
		"cost_estimator":      CostEstimator,
		"report_builder":      ReportBuilder,
	}
	for name, agent := range builtins {
		if err := reg.Register(name, agent); err != nil {
			return fmt.Errorf("register agent %s: %w", name, err)
		}
	}
	return nil
}

func stringParam(params domain.Metadata, key string) string {
	if params == nil {
		return ""
	}
	if value, ok := params[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func stringsParam(params domain.Metadata, key string) []string {
	if params == nil {
		return nil
	}
	switch value := params[key].(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func marshalContent(value any) ([]byte, error) {
	content, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode agent content: %w", err)
	}
	return content, nil
}

// SitemapCrawler summarises the page universe from the provided sitemap URLs.
func SitemapCrawler(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	siteURL := stringParam(input.Params, "site_url")
	if siteURL == "" {
		return domain.AgentResult{}, fmt.Errorf("run %s: site_url parameter is required", input.RunID)
	}
	urls := stringsParam(input.Params, "sitemap_urls")
	sort.Strings(urls)

	content, err := marshalContent(map[string]any{
		"siteUrl":   siteURL,
		"sitemaps":  urls,
		"pageCount": len(urls),
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	confidence := 0.9
	if len(urls) == 0 {
		confidence = 0.5
	}
	return domain.AgentResult{
		Label:      fmt.Sprintf("Crawled %d sitemap entries", len(urls)),
		Confidence: confidence,
		Content:    content,
	}, nil
}

// EntityExtractor normalises the declared entity inventory.
func EntityExtractor(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	inventory, err := decodeInventory(input.Params)
	if err != nil {
		return domain.AgentResult{}, err
	}

	byType := map[string]int{}
	for _, entity := range inventory.Entities {
		byType[entity.Type]++
	}
	content, err := marshalContent(map[string]any{
		"entities":     inventory.Entities,
		"countsByType": byType,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	confidence := 0.85
	if len(inventory.Entities) == 0 {
		confidence = 0.4
	}
	return domain.AgentResult{
		Label:      fmt.Sprintf("Extracted %d entities", len(inventory.Entities)),
		Confidence: confidence,
		Content:    content,
	}, nil
}

// ContentInventory groups extracted entities into an audit inventory.
func ContentInventory(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	inventory, err := decodeInventory(input.Params)
	if err != nil {
		return domain.AgentResult{}, err
	}

	groups := map[string][]string{}
	for _, entity := range inventory.Entities {
		groups[entity.Type] = append(groups[entity.Type], entity.Name)
	}
	for _, names := range groups {
		sort.Strings(names)
	}
	content, err := marshalContent(map[string]any{
		"groups":      groups,
		"entityCount": len(inventory.Entities),
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.AgentResult{
		Label:      fmt.Sprintf("Inventoried %d entity groups", len(groups)),
		Confidence: 0.8,
		Content:    content,
	}, nil
}

// knownPlatforms maps detectable platform markers to platform names.
var knownPlatforms = map[string]string{
	"drupal":    "Drupal",
	"wordpress": "WordPress",
	"typo3":     "TYPO3",
	"contao":    "Contao",
}

// PlatformMatcher matches declared technology markers against known platforms.
func PlatformMatcher(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	markers := stringsParam(input.Params, "tech_markers")
	matches := make([]string, 0, len(markers))
	for _, marker := range markers {
		if platform, ok := knownPlatforms[strings.ToLower(strings.TrimSpace(marker))]; ok {
			matches = append(matches, platform)
		}
	}
	sort.Strings(matches)

	content, err := marshalContent(map[string]any{
		"markers": markers,
		"matches": matches,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	confidence := 0.3
	if len(matches) > 0 {
		confidence = 0.75
	}
	label := "No known platform detected"
	if len(matches) > 0 {
		label = "Matched platforms: " + strings.Join(matches, ", ")
	}
	return domain.AgentResult{Label: label, Confidence: confidence, Content: content}, nil
}

// IntegrationScanner lists declared third-party integrations.
func IntegrationScanner(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	integrations := stringsParam(input.Params, "integrations")
	sort.Strings(integrations)

	content, err := marshalContent(map[string]any{
		"integrations": integrations,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.AgentResult{
		Label:      fmt.Sprintf("Found %d integrations", len(integrations)),
		Confidence: 0.7,
		Content:    content,
	}, nil
}

// CostEstimator runs the bottom-up estimate over the entity inventory.
func CostEstimator(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	inventory, err := decodeInventory(input.Params)
	if err != nil {
		return domain.AgentResult{}, err
	}

	result, err := estimate.Calculate(inventory)
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("run %s: %w", input.RunID, err)
	}
	content, err := marshalContent(result)
	if err != nil {
		return domain.AgentResult{}, err
	}
	confidence := 0.7
	if len(inventory.Entities) == 0 {
		confidence = 0.3
	}
	return domain.AgentResult{
		Label:      fmt.Sprintf("Estimated %.0f hours", result.TotalHours),
		Confidence: confidence,
		Content:    content,
	}, nil
}

// ReportBuilder assembles the final report summary for a run.
func ReportBuilder(_ context.Context, input executor.Input) (domain.AgentResult, error) {
	siteURL := stringParam(input.Params, "site_url")
	content, err := marshalContent(map[string]any{
		"pipelineId": input.PipelineID,
		"runId":      input.RunID,
		"siteUrl":    siteURL,
		"sections": []string{
			"summary",
			"content_inventory",
			"platform_assessment",
			"integrations",
			"estimate",
		},
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.AgentResult{
		Label:      "Audit report assembled",
		Confidence: 0.9,
		Content:    content,
	}, nil
}

// decodeInventory reads the estimate input from the run parameters. The
// inventory arrives as JSON-decoded maps, so it round-trips through JSON to
// reach the typed form.
func decodeInventory(params domain.Metadata) (estimate.Input, error) {
	if params == nil {
		return estimate.Input{}, nil
	}
	raw, ok := params["entities"]
	if !ok {
		return estimate.Input{}, nil
	}
	encoded, err := json.Marshal(map[string]any{
		"entities":    raw,
		"multipliers": params["multipliers"],
		"migration":   params["migration"],
		"riskLevel":   params["risk_level"],
	})
	if err != nil {
		return estimate.Input{}, fmt.Errorf("encode inventory: %w", err)
	}
	var input estimate.Input
	if err := json.Unmarshal(encoded, &input); err != nil {
		return estimate.Input{}, fmt.Errorf("decode inventory: %w", err)
	}
	return input, nil
}
