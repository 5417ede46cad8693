package config

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrInvalidBaseURL  = errors.New("invalid backend base URL")
	ErrInvalidStorage  = errors.New("invalid storage type")
	ErrInvalidAuthType = errors.New("invalid backend client auth type")
)

// Validate checks the settings the client cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.Backend.BaseURL)
	}

	switch c.Storage.Type {
	case StorageMemory, StorageFile, StorageValKey, StoragePostgres:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorage, c.Storage.Type)
	}

	switch c.Backend.ClientAuth.Type {
	case "", ClientAuthNone:
	case ClientAuthMTLS:
		if c.Backend.ClientAuth.MTLS == nil {
			return fmt.Errorf("%w: mtls requires certificates", ErrInvalidAuthType)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthType, c.Backend.ClientAuth.Type)
	}

	return nil
}
