// Package config defines the service configuration, parsed from YAML with
// environment and flag overrides layered on top.
package config

import (
	"encoding/json"
	"time"

	"github.com/ghodss/yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/meridian-ml/meridian/pkg/check"
	"github.com/meridian-ml/meridian/pkg/logger"
	"github.com/meridian-ml/meridian/pkg/model"
)

// Duration wraps time.Duration to accept "30s"-style strings in YAML and JSON.
type Duration time.Duration

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level service configuration.
type Config struct {
	ConfigFile string           `json:"config_file"`
	Log        logger.Config    `json:"log"`
	API        APIConfig        `json:"api"`
	Scheduling SchedulingConfig `json:"scheduling"`
	Executor   ExecutorConfig   `json:"executor"`
	Pools      []PoolConfig     `json:"pools"`
}

// ExecutorConfig configures the built-in development executor. A real
// deployment points the core at an external executor instead.
type ExecutorConfig struct {
	// PullDelay is the simulated image pull and input download time.
	PullDelay Duration `json:"pull_delay"`
	// RunFor is the simulated user command duration.
	RunFor Duration `json:"run_for"`
}

// Validate implements the check.Validatable interface.
func (c ExecutorConfig) Validate() []error {
	return []error{
		check.TrueF(c.PullDelay >= 0, "executor.pull_delay must not be negative"),
		check.TrueF(c.RunFor >= 0, "executor.run_for must not be negative"),
	}
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Validate implements the check.Validatable interface.
func (c APIConfig) Validate() []error {
	return []error{
		check.TrueF(c.Port > 0 && c.Port < 65536, "api.port must be in (0, 65536), got %d", c.Port),
	}
}

// SchedulingConfig carries the scheduling and lifecycle policy knobs.
type SchedulingConfig struct {
	// QueueTimeout bounds the time from admission enqueue to gang start; zero
	// disables the deadline.
	QueueTimeout Duration `json:"queue_timeout"`
	// ExecTimeout bounds user command execution; zero disables the deadline.
	ExecTimeout Duration `json:"exec_timeout"`
	// StartWindow bounds how long a placed gang may sit at the start barrier.
	StartWindow Duration `json:"start_window"`
	// RetryCeiling caps automatic reschedules per task.
	RetryCeiling int `json:"retry_ceiling"`
	// Retention is how long terminal workflows are kept before archival; zero
	// keeps them forever.
	Retention Duration `json:"retention"`
}

// Validate implements the check.Validatable interface.
func (c SchedulingConfig) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(c.RetryCeiling, 0, "scheduling.retry_ceiling must not be negative"),
		check.TrueF(c.QueueTimeout >= 0, "scheduling.queue_timeout must not be negative"),
		check.TrueF(c.ExecTimeout >= 0, "scheduling.exec_timeout must not be negative"),
		check.TrueF(c.StartWindow >= 0, "scheduling.start_window must not be negative"),
		check.TrueF(c.Retention >= 0, "scheduling.retention must not be negative"),
	}
}

// ResourcesConfig is the configured quota of one priority class.
type ResourcesConfig struct {
	GPUs      int `json:"gpus"`
	CPUMillis int `json:"cpu_millis"`
}

// Validate implements the check.Validatable interface.
func (c ResourcesConfig) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(c.GPUs, 0, "gpus must not be negative"),
		check.GreaterThanOrEqualTo(c.CPUMillis, 0, "cpu_millis must not be negative"),
	}
}

// PoolConfig is the configuration of one resource pool. Quotas are keyed by
// priority class name.
type PoolConfig struct {
	ID        string                     `json:"id"`
	Backend   string                     `json:"backend"`
	State     string                     `json:"state"`
	Quotas    map[string]ResourcesConfig `json:"quotas"`
	Platforms []model.Platform           `json:"platforms"`
}

// Validate implements the check.Validatable interface.
func (c PoolConfig) Validate() []error {
	errs := []error{
		check.NotEmpty(c.ID, "pool id must be set"),
		check.NotEmpty(c.Backend, "pool %s: backend must be set", c.ID),
		check.TrueF(len(c.Platforms) > 0, "pool %s: at least one platform must be configured", c.ID),
	}
	if _, err := model.ParsePoolState(c.State); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Quotas {
		if _, err := model.ParsePriority(name); err != nil {
			errs = append(errs, errors.Wrapf(err, "pool %s quotas", c.ID))
		}
	}
	for _, p := range c.Platforms {
		errs = append(errs, check.NotEmpty(p.Name, "pool %s: platform name must be set", c.ID))
	}
	return errs
}

// Pool converts the configuration into the runtime pool description.
func (c PoolConfig) Pool() (model.Pool, error) {
	state, err := model.ParsePoolState(c.State)
	if err != nil {
		return model.Pool{}, err
	}
	quotas := make(map[model.Priority]model.Resources, len(c.Quotas))
	for name, q := range c.Quotas {
		class, err := model.ParsePriority(name)
		if err != nil {
			return model.Pool{}, errors.Wrapf(err, "pool %s quotas", c.ID)
		}
		quotas[class] = model.Resources{GPUs: q.GPUs, CPUMillis: q.CPUMillis}
	}
	return model.Pool{
		ID:        model.PoolID(c.ID),
		Backend:   c.Backend,
		State:     state,
		Quotas:    quotas,
		Platforms: c.Platforms,
	}, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8092,
		},
		Scheduling: SchedulingConfig{
			StartWindow:  Duration(2 * time.Minute),
			RetryCeiling: 5,
			Retention:    Duration(24 * time.Hour),
		},
		Executor: ExecutorConfig{
			PullDelay: Duration(2 * time.Second),
			RunFor:    Duration(30 * time.Second),
		},
	}
}

// Printable returns the configuration serialized for the startup log.
func (c *Config) Printable() ([]byte, error) {
	out, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return out, nil
}

// Resolve validates the configuration, including the cross-pool constraints
// the per-field checks cannot see, and converts the pool section into runtime
// pool descriptions.
func (c *Config) Resolve() ([]model.Pool, error) {
	if err := check.Validate(c); err != nil {
		return nil, err
	}

	var merr *multierror.Error
	if len(c.Pools) == 0 {
		merr = multierror.Append(merr, errors.New("at least one pool must be configured"))
	}
	seen := make(map[string]bool, len(c.Pools))
	pools := make([]model.Pool, 0, len(c.Pools))
	for _, pc := range c.Pools {
		if seen[pc.ID] {
			merr = multierror.Append(merr, errors.Errorf("duplicate pool id %s", pc.ID))
			continue
		}
		seen[pc.ID] = true
		pool, err := pc.Pool()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if pool.Capacity().Zero() {
			merr = multierror.Append(merr, errors.Errorf("pool %s has zero total quota", pc.ID))
		}
		pools = append(pools, pool)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return pools, nil
}

// Lifecycle returns the lifecycle knobs in their runtime representation.
func (c *Config) Lifecycle() (queueTimeout, execTimeout, startWindow, retention time.Duration, retryCeiling int) {
	s := c.Scheduling
	return time.Duration(s.QueueTimeout), time.Duration(s.ExecTimeout),
		time.Duration(s.StartWindow), time.Duration(s.Retention), s.RetryCeiling
}

// Merge layers a YAML document over the configuration in place.
func (c *Config) Merge(raw []byte) error {
	return yaml.Unmarshal(raw, c)
}
