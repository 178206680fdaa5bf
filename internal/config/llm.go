package config

import "fmt"

// LLMConfig configures the generation capability.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // zai, openai, deepseek, local, gemini, ragflow
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// RAGFlowAssistant names the chat assistant when provider is ragflow.
	RAGFlowAssistant string `yaml:"ragflow_assistant"`

	// PromptsFile optionally overrides the built-in prompt templates.
	PromptsFile string `yaml:"prompts_file"`
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"zai", "openai", "deepseek", "local", "gemini", "ragflow"}

// providerKeyEnv maps providers to the environment variable holding their key.
// local (vLLM, Xinference) endpoints usually run without a key.
var providerKeyEnv = map[string]string{
	"zai":      "ZAI_API_KEY",
	"openai":   "OPENAI_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"ragflow":  "RAGFLOW_API_KEY",
}

// RequiresAPIKey reports whether the provider refuses to run without a key.
func (c LLMConfig) RequiresAPIKey() bool {
	return c.Provider != "local"
}

// Validate validates the LLM section.
func (c LLMConfig) Validate() error {
	valid := false
	for _, p := range ValidProviders {
		if c.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.Provider, ValidProviders)
	}
	if c.RequiresAPIKey() && c.APIKey == "" {
		return fmt.Errorf("LLM API key not configured for provider %s (set %s or llm.api_key)", c.Provider, providerKeyEnv[c.Provider])
	}
	if c.Provider == "local" && c.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required for provider local")
	}
	if c.Provider == "ragflow" && (c.BaseURL == "" || c.RAGFlowAssistant == "") {
		return fmt.Errorf("llm.base_url and llm.ragflow_assistant are required for provider ragflow")
	}
	return nil
}
