// Package conf holds the validated process configuration shared by every
// task of a pipeline.
package conf

import (
	"errors"
	"fmt"
	"math"

	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
)

// ErrConfiguration is returned for every structural configuration problem.
// It is always detected before the warehouse is touched.
var ErrConfiguration = errors.New("configuration error")

const (
	DefaultShortTimeToLive = 5
	DefaultLongTimeToLive  = 10
)

const (
	KeyProjectID       = "project_id"
	KeyDatasetName     = "dataset_name"
	KeyCredentials     = "credentials"
	KeySampleSize      = "sample_size"
	KeyShortTimeToLive = "short_time_to_live"
	KeyLongTimeToLive  = "long_time_to_live"
	KeyDatasetID       = "dataset_id"
)

// Config is the process configuration. It is built once with New and must
// not be modified afterwards.
type Config struct {
	ProjectID       string
	DatasetName     string
	Credentials     string
	SampleSize      *int
	ShortTimeToLive int
	LongTimeToLive  int

	base sqlenc.Row
}

// New validates base and builds a Config from it. project_id and
// dataset_name are required; time-to-live values are in days.
func New(base sqlenc.Row) (*Config, error) {
	c := &Config{
		ShortTimeToLive: DefaultShortTimeToLive,
		LongTimeToLive:  DefaultLongTimeToLive,
		base:            base,
	}

	var err error
	if c.ProjectID, err = requiredString(base, KeyProjectID); err != nil {
		return nil, err
	}
	if c.DatasetName, err = requiredString(base, KeyDatasetName); err != nil {
		return nil, err
	}
	if v, ok := base.Get(KeyCredentials); ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string, got %T", ErrConfiguration, KeyCredentials, v)
		}
		c.Credentials = s
	}
	if v, ok := base.Get(KeySampleSize); ok && v != nil {
		n, err := asInt(KeySampleSize, v)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, KeySampleSize, n)
		}
		c.SampleSize = &n
	}
	if v, ok := base.Get(KeyShortTimeToLive); ok && v != nil {
		if c.ShortTimeToLive, err = asInt(KeyShortTimeToLive, v); err != nil {
			return nil, err
		}
	}
	if v, ok := base.Get(KeyLongTimeToLive); ok && v != nil {
		if c.LongTimeToLive, err = asInt(KeyLongTimeToLive, v); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, KeyProjectID)
	}
	if c.DatasetName == "" {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, KeyDatasetName)
	}
	if c.ShortTimeToLive <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, KeyShortTimeToLive, c.ShortTimeToLive)
	}
	if c.ShortTimeToLive > c.LongTimeToLive {
		return fmt.Errorf("%w: %s (%d) must not exceed %s (%d)", ErrConfiguration,
			KeyShortTimeToLive, c.ShortTimeToLive, KeyLongTimeToLive, c.LongTimeToLive)
	}
	return nil
}

// DatasetID returns "<project_id>.<dataset_name>".
func (c *Config) DatasetID() string {
	return c.BuildDatasetID("", "")
}

// BuildDatasetID builds a dataset identifier, defaulting empty parts to the
// configured project and dataset.
func (c *Config) BuildDatasetID(projectID, datasetName string) string {
	if projectID == "" {
		projectID = c.ProjectID
	}
	if datasetName == "" {
		datasetName = c.DatasetName
	}
	return projectID + "." + datasetName
}

// BaseToWrite returns the configuration as given to New, in the same order,
// without credentials.
func (c *Config) BaseToWrite() sqlenc.Row {
	return c.base.Without(KeyCredentials)
}

// Fields returns the public configuration values made available to query
// templates. Credentials are never exposed.
func (c *Config) Fields() map[string]any {
	fields := map[string]any{
		KeyProjectID:       c.ProjectID,
		KeyDatasetName:     c.DatasetName,
		KeyDatasetID:       c.DatasetID(),
		KeyShortTimeToLive: c.ShortTimeToLive,
		KeyLongTimeToLive:  c.LongTimeToLive,
	}
	if c.SampleSize != nil {
		fields[KeySampleSize] = *c.SampleSize
	}
	return fields
}

func requiredString(base sqlenc.Row, key string) (string, error) {
	v, ok := base.Get(key)
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrConfiguration, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrConfiguration, key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrConfiguration, key)
	}
	return s, nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %v (%T)", ErrConfiguration, key, v, v)
}
