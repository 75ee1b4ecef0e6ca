package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateService(); err != nil {
		return err
	}
	if err := c.validateExport(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if c.Workflow.PreviewMaxDimension < 0 {
		return errors.New("workflow.preview_max_dimension must be positive")
	}
	if c.Cache.TTLMinutes < 0 {
		return errors.New("cache.ttl_minutes must not be negative")
	}
	return nil
}

// RequireJWTSecret reports an error when the local API has no signing secret.
func (c *Config) RequireJWTSecret() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required. Set JWT_SECRET or edit the config file")
	}
	return nil
}

func (c *Config) validateService() error {
	parsed, err := url.Parse(c.Service.BaseURL)
	if err != nil {
		return fmt.Errorf("service.base_url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("service.base_url must be an absolute http(s) URL, got %q", c.Service.BaseURL)
	}
	if c.Service.RequestTimeoutSeconds < 0 {
		return errors.New("service.request_timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateExport() error {
	name := c.Export.Filename
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("export.filename must be a bare file name, got %q", name)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return errors.New("server.shutdown_timeout_seconds must not be negative")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	if c.Server.SessionTTLMinutes <= 0 {
		return errors.New("server.session_ttl_minutes must be positive")
	}
	return nil
}
