// Package seed provisions webhook registrations from a YAML file at
// startup, for development and bootstrap environments where a
// deployment ships with known subscribers.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
)

// Config represents the structure of webhooks.yaml
type Config struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig represents a single webhook in the YAML file
type WebhookConfig struct {
	ID         string   `yaml:"id"`
	OwnerID    string   `yaml:"owner_id"`
	URL        string   `yaml:"url"`
	Secret     string   `yaml:"secret"` // Optional: must be whsec_-prefixed when set
	EventTypes []string `yaml:"event_types"`
	Enabled    *bool    `yaml:"enabled"` // Optional: default true
}

// Seeder loads webhook definitions and upserts them into a repository
type Seeder struct {
	repo      webhook.Repository
	validator *safeurl.Validator
}

func New(repo webhook.Repository, validator *safeurl.Validator) *Seeder {
	return &Seeder{repo: repo, validator: validator}
}

// Load reads, validates and applies the webhooks.yaml file, returning
// how many webhooks were created. Existing ids are left untouched so a
// restart never clobbers rotated secrets or breaker state.
func (s *Seeder) Load(ctx context.Context, filePath string) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("reading webhooks file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return 0, fmt.Errorf("parsing webhooks YAML: %w", err)
	}

	created := 0
	for _, wc := range config.Webhooks {
		wh, err := s.build(ctx, wc)
		if err != nil {
			return created, fmt.Errorf("validating webhook %q: %w", wc.ID, err)
		}

		if _, err := s.repo.Get(ctx, wh.ID); err == nil {
			continue
		}
		if err := s.repo.Create(ctx, wh); err != nil {
			return created, fmt.Errorf("creating webhook %q: %w", wh.ID, err)
		}
		created++
	}

	return created, nil
}

func (s *Seeder) build(ctx context.Context, wc WebhookConfig) (webhook.Webhook, error) {
	if wc.ID == "" {
		return webhook.Webhook{}, fmt.Errorf("id is required")
	}
	if wc.OwnerID == "" {
		return webhook.Webhook{}, fmt.Errorf("owner_id is required")
	}
	if len(wc.EventTypes) == 0 {
		return webhook.Webhook{}, fmt.Errorf("at least one event type is required")
	}
	for _, et := range wc.EventTypes {
		if err := webhook.ValidateEventType(et); err != nil {
			return webhook.Webhook{}, err
		}
	}
	if _, err := s.validator.Validate(ctx, wc.URL); err != nil {
		return webhook.Webhook{}, err
	}

	secret := wc.Secret
	if secret == "" {
		generated, err := signature.GenerateSecret()
		if err != nil {
			return webhook.Webhook{}, fmt.Errorf("generating signing secret: %w", err)
		}
		secret = generated
	} else if !strings.HasPrefix(secret, signature.SecretPrefix) {
		return webhook.Webhook{}, fmt.Errorf("secret must start with %q", signature.SecretPrefix)
	}

	enabled := true
	if wc.Enabled != nil {
		enabled = *wc.Enabled
	}

	now := time.Now()
	return webhook.Webhook{
		ID:         wc.ID,
		OwnerID:    wc.OwnerID,
		URL:        wc.URL,
		Secret:     secret,
		EventTypes: wc.EventTypes,
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
