package config

import (
	"maps"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: secrets are
// replaced by "***" and slices and maps are cloned so the copy shares no
// mutable state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Wallet.PrivateKey,
		&out.Wallet.KeyPassword,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
		&out.Notify.WebhookSecret,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Seed.Assets = maps.Clone(cfg.Seed.Assets)
	out.Seed.Balances = maps.Clone(cfg.Seed.Balances)
	return out
}
