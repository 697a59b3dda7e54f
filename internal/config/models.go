package config

// ModelsConfig maps client-facing model names to provider routes.
type ModelsConfig struct {
	Models map[string]ModelMapping `yaml:"models"`
}

type ModelMapping struct {
	DisplayName string          `yaml:"display_name"`
	Primary     ProviderRoute   `yaml:"primary"`
	Fallback    []ProviderRoute `yaml:"fallback"`
}

type ProviderRoute struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}
