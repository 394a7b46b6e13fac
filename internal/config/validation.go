package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

var (
	permissionsRe = regexp.MustCompile(`^0[0-7]{3}$`)
	packageRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateCoordinator(&c.Coordinator)...)
	errs = append(errs, validateRegistry(&c.Registry)...)
	errs = append(errs, validateGrants(&c.Grants)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCoordinator(cc *CoordinatorConfig) ValidationErrors {
	var errs ValidationErrors

	if cc.DebounceMs < 0 || cc.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "coordinator.debounce_ms",
			Message: fmt.Sprintf("debounce must be between 0 and 60000 ms, got %d", cc.DebounceMs),
		})
	}
	if cc.LogCapacity < 1 {
		errs = append(errs, ValidationError{
			Field:   "coordinator.log_capacity",
			Message: "log capacity must be at least 1",
		})
	}
	if cc.ObserverTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "coordinator.observer_timeout_ms",
			Message: "observer timeout cannot be negative",
		})
	}
	if cc.Scope < 0 {
		errs = append(errs, ValidationError{
			Field:   "coordinator.scope",
			Message: "scope cannot be negative",
		})
	}

	return errs
}

func validateRegistry(r *RegistryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.ManifestDir == "" {
		errs = append(errs, ValidationError{
			Field:   "registry.manifest_dir",
			Message: "manifest directory is required",
		})
	}
	for _, pkg := range r.TrustedPackages {
		if !packageRe.MatchString(pkg) {
			errs = append(errs, ValidationError{
				Field:   "registry.trusted_packages",
				Message: fmt.Sprintf("invalid package name: %q", pkg),
			})
		}
	}
	if r.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.debounce_ms",
			Message: "debounce cannot be negative",
		})
	}

	return errs
}

func validateGrants(g *GrantsConfig) ValidationErrors {
	var errs ValidationErrors

	if g.DatabasePath == "" {
		errs = append(errs, ValidationError{
			Field:   "grants.database_path",
			Message: "database path is required",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}
	if i.Permissions != "" && !permissionsRe.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0660)", i.Permissions),
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}
	if i.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.rate_limit",
			Message: "rate limit must not be negative",
		})
	}
	if i.RateLimit > 0 && i.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.rate_burst",
			Message: "rate burst must be at least 1 when rate limiting is enabled",
		})
	}
	for _, uid := range i.AllowedUIDs {
		if uid < 0 {
			errs = append(errs, ValidationError{
				Field:   "ipc.allowed_uids",
				Message: fmt.Sprintf("invalid uid %d", uid),
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}
	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "file path is required when audit is enabled",
		})
	}
	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	return errs
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	var errs ValidationErrors

	if h.Listen == "" {
		return errs
	}
	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "http.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", h.Listen, err),
		})
	}

	return errs
}
