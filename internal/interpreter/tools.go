package interpreter

const (
	ToolSetLEDState = "set_led_state"

	LEDStateOn  = "on"
	LEDStateOff = "off"
)

// Tool is an OpenAI-style function tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// DeviceTools is the fixed schema sent with every request. The model decides
// whether to call it; nothing in this service executes the call.
func DeviceTools() []Tool {
	return []Tool{{
		Type: "function",
		Function: ToolFunction{
			Name:        ToolSetLEDState,
			Description: "Turns the light on or off",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"state": map[string]any{
						"type":        "string",
						"enum":        []string{LEDStateOn, LEDStateOff},
						"description": "on or off",
					},
				},
				"required": []string{"state"},
			},
		},
	}}
}
