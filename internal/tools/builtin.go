package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// NavigablePages are the pages the model may navigate to.
var NavigablePages = []string{"home", "generator", "studio"}

type navigateArgs struct {
	Page string `json:"page"`
}

type startVideoArgs struct {
	ProjectName string `json:"projectName"`
}

// Builtins returns the application tool set bound to host, in declaration
// order.
func Builtins(host Host) []Tool {
	return []Tool{
		{
			Declaration: navigateToDeclaration(),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var a navigateArgs
				if err := decodeArgs(raw, &a); err != nil {
					return "", err
				}
				if !slices.Contains(NavigablePages, a.Page) {
					return "", fmt.Errorf("tools: navigateTo: invalid page %q", a.Page)
				}
				return host.Navigate(ctx, a.Page)
			},
		},
		{
			Declaration: createProjectDeclaration(),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var a CreateProjectArgs
				if err := decodeArgs(raw, &a); err != nil {
					return "", err
				}
				if strings.TrimSpace(a.ClientName) == "" || strings.TrimSpace(a.ProjectName) == "" {
					return "", fmt.Errorf("tools: createProject: clientName and projectName are required")
				}
				return host.CreateProject(ctx, a)
			},
		},
		{
			Declaration: startVideoForProjectDeclaration(),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var a startVideoArgs
				if err := decodeArgs(raw, &a); err != nil {
					return "", err
				}
				if strings.TrimSpace(a.ProjectName) == "" {
					return "", fmt.Errorf("tools: startVideoForProject: projectName is required")
				}
				return host.StartVideoForProject(ctx, a.ProjectName)
			},
		},
	}
}

// decodeArgs unmarshals the argument object. Missing arguments decode as an
// empty object so required-field checks produce the error.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	return nil
}

// ── Declarations ─────────────────────────────────────────────────────────────

func navigateToDeclaration() live.FunctionDeclaration {
	return live.FunctionDeclaration{
		Name:        NameNavigateTo,
		Description: "Navigate to a specific page in the application.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"page": map[string]any{
					"type":        "string",
					"description": "The page to navigate to.",
					"enum":        slices.Clone(NavigablePages),
				},
			},
			"required": []string{"page"},
		},
	}
}

func createProjectDeclaration() live.FunctionDeclaration {
	return live.FunctionDeclaration{
		Name:        NameCreateProject,
		Description: "Create a new client project.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"clientName": map[string]any{
					"type":        "string",
					"description": "The name of the client.",
				},
				"projectName": map[string]any{
					"type":        "string",
					"description": "The name of the project.",
				},
				"price": map[string]any{
					"type":        "number",
					"description": "The price or budget for the project.",
				},
			},
			"required": []string{"clientName", "projectName", "price"},
		},
	}
}

func startVideoForProjectDeclaration() live.FunctionDeclaration {
	return live.FunctionDeclaration{
		Name:        NameStartVideoForProject,
		Description: "Starts the video creation process for an existing project. Navigates to the generator page with the project pre-selected.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"projectName": map[string]any{
					"type":        "string",
					"description": "The name of the existing project to create a video for.",
				},
			},
			"required": []string{"projectName"},
		},
	}
}
