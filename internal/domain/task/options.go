package task

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Options configure how a task is scheduled and executed.
type Options struct {
	MaxDuration time.Duration     `json:"max_duration"`
	MaxRetries  int               `json:"max_retries"`
	Priority    int               `json:"priority"`
	PartitionID string            `json:"partition_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Application identity, passed through to the processor untouched.
	ApplicationName      string `json:"application_name,omitempty"`
	ApplicationVersion   string `json:"application_version,omitempty"`
	ApplicationNamespace string `json:"application_namespace,omitempty"`
	ApplicationService   string `json:"application_service,omitempty"`
	EngineType           string `json:"engine_type,omitempty"`
}

// Merge overlays o onto defaults. A field of o replaces the default only
// when it is non-zero. Every metadata key of o replaces the same-named
// default key, empty values included.
func (o *Options) Merge(defaults Options) Options {
	merged := defaults
	merged.Metadata = make(map[string]string, len(defaults.Metadata))
	maps.Copy(merged.Metadata, defaults.Metadata)
	if o == nil {
		return merged
	}

	if o.MaxDuration != 0 {
		merged.MaxDuration = o.MaxDuration
	}
	if o.MaxRetries != 0 {
		merged.MaxRetries = o.MaxRetries
	}
	if o.Priority != 0 {
		merged.Priority = o.Priority
	}
	if o.PartitionID != "" {
		merged.PartitionID = o.PartitionID
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&merged.ApplicationName, o.ApplicationName},
		{&merged.ApplicationVersion, o.ApplicationVersion},
		{&merged.ApplicationNamespace, o.ApplicationNamespace},
		{&merged.ApplicationService, o.ApplicationService},
		{&merged.EngineType, o.EngineType},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	maps.Copy(merged.Metadata, o.Metadata)
	return merged
}

// Validate checks option bounds against the configured maximum priority.
func (o *Options) Validate(maxPriority int) error {
	if o.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if o.MaxDuration < 0 {
		return errors.New("max_duration must be >= 0")
	}
	if o.Priority < 1 || o.Priority > maxPriority {
		return fmt.Errorf("priority must be between 1 and %d", maxPriority)
	}
	if o.PartitionID == "" {
		return errors.New("partition_id is required")
	}
	return nil
}
