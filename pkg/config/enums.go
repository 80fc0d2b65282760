package config

// ProviderType selects the reasoning backend.
type ProviderType string

const (
	// ProviderTypeAnthropic is the Anthropic Claude messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"
	// ProviderTypeScripted is the in-process scripted reasoner used for
	// demos and tests. It needs no API key.
	ProviderTypeScripted ProviderType = "scripted"
)

// IsValid checks if the provider type is valid
func (t ProviderType) IsValid() bool {
	return t == ProviderTypeAnthropic || t == ProviderTypeScripted
}
