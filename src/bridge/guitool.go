package bridge

import (
	"context"
	"fmt"

	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/guiagent"
)

const guiAgentToolName = "gui_agent_run"

const guiAgentToolPrompt = `Run the GUI Agent sidecar to execute on-screen tasks when the user asks to enable Agent mode or GUI Agent.`

// GUIAgentRunInput is the parameter shape for the GUI automation tool.
type GUIAgentRunInput struct {
	Instruction string `json:"instruction" jsonschema:"required,description=The task instruction for the GUI Agent to execute."`
}

// guiAgentTool exposes the sidecar as a tool the model can call.
func guiAgentTool(client *guiagent.Client) *agentsdk.ExtraTool {
	return &agentsdk.ExtraTool{
		Name:        guiAgentToolName,
		Description: guiAgentToolPrompt,
		Parameters:  guiAgentToolSchema(),
		Handler: func(ctx context.Context, input map[string]any) (*agentsdk.ToolResponse, error) {
			instruction, _ := input["instruction"].(string)
			if instruction == "" {
				return &agentsdk.ToolResponse{
					Content: "GUI Agent instruction is missing.",
					IsError: true,
				}, nil
			}

			summary, err := client.Run(ctx, instruction)
			if err != nil {
				return &agentsdk.ToolResponse{
					Content: fmt.Sprintf("GUI Agent run failed: %v", err),
					IsError: true,
				}, nil
			}
			return &agentsdk.ToolResponse{Content: summary}, nil
		},
	}
}

func guiAgentToolSchema() *jsonschema.Schema {
	var reflector jsonschema.Reflector
	schema, err := reflector.Reflect(GUIAgentRunInput{})
	if err != nil {
		// The input type is static; reflection cannot fail at runtime.
		panic(fmt.Sprintf("failed to reflect tool schema: %v", err))
	}
	return &schema
}
