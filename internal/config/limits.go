package config

import "fmt"

// ResourceLimits are the default per-module resource limits of the §5
// resource policy. Nothing in this module samples usage against them or
// enforces them, and nothing merges them with the Limits a registry.Module
// carries; Config.Validate only checks their ranges.
type ResourceLimits struct {
	MaxHeapBytes   int64 `yaml:"max_heap_bytes" json:"max_heap_bytes"`
	MaxStackBytes  int64 `yaml:"max_stack_bytes" json:"max_stack_bytes"`
	MaxCPUPercent  int   `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxThreadCount int   `yaml:"max_thread_count" json:"max_thread_count"`
	MaxFileHandles int   `yaml:"max_file_handles" json:"max_file_handles"`
}

// Validate checks the limits are within acceptable ranges.
func (r *ResourceLimits) Validate() error {
	if r.MaxHeapBytes < 1<<20 {
		return fmt.Errorf("max_heap_bytes must be >= 1MB")
	}
	if r.MaxStackBytes < 1<<16 {
		return fmt.Errorf("max_stack_bytes must be >= 64KB")
	}
	if r.MaxCPUPercent < 1 || r.MaxCPUPercent > 100*16 {
		return fmt.Errorf("max_cpu_percent out of range")
	}
	if r.MaxThreadCount < 1 {
		return fmt.Errorf("max_thread_count must be >= 1")
	}
	if r.MaxFileHandles < 1 {
		return fmt.Errorf("max_file_handles must be >= 1")
	}
	return nil
}

// EnforcementSnapshot returns the limits as a plain map keyed by limit
// name rather than by struct field. No caller in this module uses it.
func (r *ResourceLimits) EnforcementSnapshot() map[string]int64 {
	return map[string]int64{
		"max_heap_bytes":   r.MaxHeapBytes,
		"max_stack_bytes":  r.MaxStackBytes,
		"max_cpu_percent":  int64(r.MaxCPUPercent),
		"max_thread_count": int64(r.MaxThreadCount),
		"max_file_handles": int64(r.MaxFileHandles),
	}
}
