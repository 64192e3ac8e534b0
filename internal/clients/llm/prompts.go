package llm

import (
	"context"
	"fmt"
	"strings"
)

const specificationSystemPrompt = `You are an Odoo functional consultant. Given the customer's raw
requirements, produce a complete functional specification for a custom Odoo module as markdown.
Cover: purpose, models and fields, views, menus, access rights, workflows, and acceptance criteria.
Do not produce code.`

const planSystemPrompt = `You are an Odoo technical architect. Given an approved functional
specification, produce a concrete development plan as markdown: module structure, models with
field definitions, view files, security files, data files, and their dependency order.`

const moduleSystemPrompt = `You are an expert Odoo developer. Generate the complete installable
module described by the specification and development plan. Every file must be syntactically valid
for the target Odoo version. Include __manifest__.py, models, views, and security/ir.model.access.csv.
When prior test feedback is given, fix exactly what it reports without regressing other files.`

func (c *client) GenerateSpecification(ctx context.Context, req SpecificationRequest) (string, error) {
	if strings.TrimSpace(req.Requirements) == "" {
		return "", fmt.Errorf("requirements text required")
	}
	user := fmt.Sprintf("Module name: %s\nTarget Odoo version: %d\n\nCustomer requirements:\n%s",
		req.ModuleName, req.OdooVersion, req.Requirements)
	return c.generateText(ctx, specificationSystemPrompt, user)
}

func (c *client) GeneratePlan(ctx context.Context, req PlanRequest) (string, error) {
	if strings.TrimSpace(req.Specification) == "" {
		return "", fmt.Errorf("specification text required")
	}
	user := fmt.Sprintf("Target Odoo version: %d\n\nApproved specification:\n%s",
		req.OdooVersion, req.Specification)
	return c.generateText(ctx, planSystemPrompt, user)
}

var moduleFilesSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"module_name": map[string]any{"type": "string"},
		"files": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required":             []string{"path", "content"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"module_name", "files"},
	"additionalProperties": false,
}

func (c *client) GenerateModuleFiles(ctx context.Context, req ModuleRequest) (*ModuleResult, error) {
	if strings.TrimSpace(req.Specification) == "" {
		return nil, fmt.Errorf("specification text required")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Module name: %s\nTarget Odoo version: %d\n\nSpecification:\n%s\n\nDevelopment plan:\n%s\n",
		req.ModuleName, req.OdooVersion, req.Specification, req.Plan)
	if strings.TrimSpace(req.Feedback) != "" {
		fmt.Fprintf(&sb, "\nPrior attempt failed. Feedback to address:\n%s\n", req.Feedback)
	}

	var parsed struct {
		ModuleName string `json:"module_name"`
		Files      []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := c.generateJSON(ctx, moduleSystemPrompt, sb.String(), "odoo_module_files", moduleFilesSchema, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Files) == 0 {
		return nil, fmt.Errorf("model returned no files")
	}

	files := make(map[string]string, len(parsed.Files))
	for _, f := range parsed.Files {
		path := strings.TrimSpace(f.Path)
		if path == "" {
			continue
		}
		files[path] = f.Content
	}
	name := strings.TrimSpace(parsed.ModuleName)
	if name == "" {
		name = req.ModuleName
	}
	return &ModuleResult{ModuleName: name, Files: files}, nil
}
