package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Gateway.Token)
	redact(&out.Gateway.TokenPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)
	redact(&out.Server.SigningSecret)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Notify.Events = cloneSlice(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneSlice(cfg.Server.CORSOrigins)
	if cfg.Invoice.Reserves != nil {
		out.Invoice.Reserves = make(map[string]int64, len(cfg.Invoice.Reserves))
		for k, v := range cfg.Invoice.Reserves {
			out.Invoice.Reserves[k] = v
		}
	}
	if cfg.Invoice.Treasury != nil {
		out.Invoice.Treasury = make(map[string]string, len(cfg.Invoice.Treasury))
		for k, v := range cfg.Invoice.Treasury {
			out.Invoice.Treasury[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
