package config

import (
	"errors"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name API keys are stored under.
const KeyringService = "cloudserve"

// keyringGet is swapped in tests.
var keyringGet = keyring.Get

// StoreAPIKey saves a provider API key in the OS keyring.
func StoreAPIKey(provider, key string) error {
	return keyring.Set(KeyringService, provider, key)
}

// DeleteAPIKey removes a provider API key from the OS keyring.
func DeleteAPIKey(provider string) error {
	err := keyring.Delete(KeyringService, provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// applyKeyring fills empty provider keys from the keyring.
// Disabled with CLOUDSERVE_NO_KEYRING=1 (CI, containers).
func (c *Config) applyKeyring() {
	if os.Getenv("CLOUDSERVE_NO_KEYRING") != "" {
		return
	}
	fill := func(provider string, dst *string) {
		if *dst != "" {
			return
		}
		key, err := keyringGet(KeyringService, provider)
		if err != nil {
			if !errors.Is(err, keyring.ErrNotFound) {
				slog.Debug("keyring lookup failed", "provider", provider, "error", err)
			}
			return
		}
		*dst = key
	}
	fill("openai", &c.Providers.OpenAI.APIKey)
	fill("gemini", &c.Providers.Gemini.APIKey)
	fill("dashscope", &c.Providers.DashScope.APIKey)
}
