package router

import (
	"fmt"

	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/content"
)

// renderTemplates resolves every KindTemplate block in req's messages, plus
// a variant-level system template, into plain text before the request
// reaches a provider adapter — providers never see an unrendered template
// reference.
func renderTemplates(gc *config.GatewayConfig, variant config.VariantConfig, req *providerRequestView) error {
	if variant.SystemTemplate != "" && req.System == "" && len(req.SystemArgs) > 0 {
		t, ok := gc.Template(variant.SystemTemplate)
		if !ok {
			return fmt.Errorf("router: system_template %q not compiled", variant.SystemTemplate)
		}
		rendered, err := t.Render(req.SystemArgs)
		if err != nil {
			return fmt.Errorf("router: render system_template: %w", err)
		}
		req.System = rendered
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		templatePath := variant.UserTemplate
		if msg.Role == content.RoleAssistant {
			templatePath = variant.AssistantTemplate
		}
		if templatePath == "" {
			continue
		}
		for j := range msg.Content {
			b := &msg.Content[j]
			if b.Kind != content.KindTemplate {
				continue
			}
			t, ok := gc.Template(templatePath)
			if !ok {
				return fmt.Errorf("router: template %q not compiled", templatePath)
			}
			rendered, err := t.Render(b.TemplateArgs)
			if err != nil {
				return fmt.Errorf("router: render template: %w", err)
			}
			*b = content.TextBlock(rendered)
		}
	}

	return nil
}

// providerRequestView is the subset of a dispatch in flight that template
// rendering needs to mutate: the provider-bound system string, the raw
// system arguments a variant's system_template renders from, and the
// message list whose KindTemplate blocks get resolved in place.
type providerRequestView struct {
	System     string
	SystemArgs map[string]interface{}
	Messages   []content.Message
}
