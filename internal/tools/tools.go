// Package tools implements the assistant's tool dispatcher: the three
// application commands the live model may invoke (navigateTo, createProject,
// startVideoForProject) and the routing of each [live.FunctionCall] to the
// host application.
//
// Every call yields exactly one [live.ToolResult]. Unknown tools, malformed
// arguments, host errors and host panics all collapse into [FailureText] so
// the model always receives a reply and can tell the user something went
// wrong.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// FailureText is the result returned to the model for any failed call.
const FailureText = "Sorry, I couldn't do that."

// Tool names understood by the dispatcher.
const (
	NameNavigateTo           = "navigateTo"
	NameCreateProject        = "createProject"
	NameStartVideoForProject = "startVideoForProject"
)

// ErrUnknownTool is logged when the model calls a tool that is not
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Host is the application surface the built-in tools drive. Each method
// returns the human-readable result text spoken back to the user.
type Host interface {
	// Navigate switches the visible page.
	Navigate(ctx context.Context, page string) (string, error)

	// CreateProject adds a client project and opens it.
	CreateProject(ctx context.Context, args CreateProjectArgs) (string, error)

	// StartVideoForProject opens the generator for an existing project.
	// A missing project is reported in the returned text, not as an error.
	StartVideoForProject(ctx context.Context, projectName string) (string, error)
}

// CreateProjectArgs is the decoded argument object of createProject.
type CreateProjectArgs struct {
	ClientName  string  `json:"clientName"`
	ProjectName string  `json:"projectName"`
	Price       float64 `json:"price"`
}

// Tool is a single invocable tool: its model-facing declaration and the
// handler that runs it.
type Tool struct {
	// Declaration is what the live model sees.
	Declaration live.FunctionDeclaration

	// Handler executes the tool with the raw JSON argument object and
	// returns the result text. Implementations must respect ctx.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)

	// Timeout bounds a single execution. Zero means [DefaultTimeout].
	Timeout time.Duration
}

// DefaultTimeout bounds tool execution when a Tool declares none.
const DefaultTimeout = 5 * time.Second
