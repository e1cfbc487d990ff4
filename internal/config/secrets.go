package config

import (
	"net/url"
	"slices"
	"strings"
)

const redacted = "***"

// secrets lists every credential-bearing field of c.
func (c *Config) secrets() []*string {
	return []*string{
		&c.Wallet.PrivateKey,
		&c.Wallet.KeyPassword,
		&c.Supabase.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Server.APIKey,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
	}
}

// RedactedConfig returns a copy of cfg that is safe to log. Credentials are
// replaced with "***" and a DSN keeps everything but its password. Slices
// are cloned so the copy shares no state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	for _, s := range out.secrets() {
		if *s != "" {
			*s = redacted
		}
	}
	out.Supabase.DSN = redactDSN(out.Supabase.DSN)
	return out
}

// redactDSN masks the password of a URL-style DSN. Anything it cannot
// parse as a URL with a host is redacted whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return redacted
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask, so splice it in.
	user := url.User(u.User.Username()).String()
	u.User = nil
	prefix := u.Scheme + "://"
	return prefix + user + ":" + redacted + "@" + strings.TrimPrefix(u.String(), prefix)
}
