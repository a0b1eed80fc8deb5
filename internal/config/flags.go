package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Flags is the immutable feature-flag set, loaded once at process start and
// passed to the components that need it. There is no package-level flag table.
type Flags struct {
	managementComponent    bool
	notificationsComponent bool
	reconcileOnStatus      bool
}

type flagsFile struct {
	Components struct {
		Management    *bool `yaml:"management"`
		Notifications *bool `yaml:"notifications"`
	} `yaml:"components"`
	ReconcileOnStatus *bool `yaml:"reconcile_on_status"`
}

// DefaultFlags is used when no flags file is configured.
func DefaultFlags() Flags {
	return Flags{
		managementComponent:    true,
		notificationsComponent: false,
		reconcileOnStatus:      true,
	}
}

// LoadFlags reads a YAML flags file. An empty path yields DefaultFlags.
// Keys absent from the file keep their default.
func LoadFlags(path string) (Flags, error) {
	flags := DefaultFlags()
	if path == "" {
		return flags, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Flags{}, fmt.Errorf("read flags file: %w", err)
	}
	return ParseFlags(raw)
}

// ParseFlags decodes flags from YAML bytes, rejecting unknown keys.
func ParseFlags(raw []byte) (Flags, error) {
	flags := DefaultFlags()

	var f flagsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Flags{}, fmt.Errorf("decode flags: %w", err)
	}

	if f.Components.Management != nil {
		flags.managementComponent = *f.Components.Management
	}
	if f.Components.Notifications != nil {
		flags.notificationsComponent = *f.Components.Notifications
	}
	if f.ReconcileOnStatus != nil {
		flags.reconcileOnStatus = *f.ReconcileOnStatus
	}
	return flags, nil
}

// ManagementComponent gates the account-management hosted component.
func (f Flags) ManagementComponent() bool { return f.managementComponent }

// NotificationsComponent gates the notification-banner hosted component.
func (f Flags) NotificationsComponent() bool { return f.notificationsComponent }

// ReconcileOnStatus makes GET status reconcile against the provider; when off,
// status is served from the mirror alone.
func (f Flags) ReconcileOnStatus() bool { return f.reconcileOnStatus }

// Map renders flags for logging and the CLI.
func (f Flags) Map() map[string]bool {
	return map[string]bool{
		"components.management":    f.managementComponent,
		"components.notifications": f.notificationsComponent,
		"reconcile_on_status":      f.reconcileOnStatus,
	}
}
