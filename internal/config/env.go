package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names for GitHub credentials. Secrets stay out
// of .stitch.yaml.
const (
	EnvAppID          = "GITHUB_APP_ID"
	EnvInstallationID = "GITHUB_INSTALLATION_ID"
	EnvPrivateKey     = "GITHUB_PRIVATE_KEY"
	EnvWebhookSecret  = "GITHUB_WEBHOOK_SECRET"
	EnvToken          = "GITHUB_TOKEN"
)

// Credentials carries the GitHub secrets read from the environment.
// Either app credentials (id + installation + private key) or a direct
// token is enough to mirror; the webhook secret is only needed by the
// watch daemon's webhook server.
type Credentials struct {
	AppID          int64
	InstallationID int64
	PrivateKey     string
	WebhookSecret  string
	Token          string
}

// CredentialsFromEnv reads GitHub credentials from the environment.
// Missing variables are left zero; malformed numeric values error.
func CredentialsFromEnv() (Credentials, error) {
	var creds Credentials
	if v := os.Getenv(EnvAppID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Credentials{}, fmt.Errorf("%s: %w", EnvAppID, err)
		}
		creds.AppID = id
	}
	if v := os.Getenv(EnvInstallationID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Credentials{}, fmt.Errorf("%s: %w", EnvInstallationID, err)
		}
		creds.InstallationID = id
	}
	creds.PrivateKey = os.Getenv(EnvPrivateKey)
	creds.WebhookSecret = os.Getenv(EnvWebhookSecret)
	creds.Token = os.Getenv(EnvToken)
	return creds, nil
}

// HasApp reports whether full GitHub App credentials are present.
func (c Credentials) HasApp() bool {
	return c.AppID != 0 && c.InstallationID != 0 && c.PrivateKey != ""
}

// HasToken reports whether a direct token is present.
func (c Credentials) HasToken() bool {
	return c.Token != ""
}
