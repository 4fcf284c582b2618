package task

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
	"github.com/malbeclabs/warehouse/tasks/pkg/tablenames"
)

type EnvConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Conf     *conf.Config
	Names    *tablenames.Registry
	Operator operator.Operator
	// Encoder renders monitoring and configuration rows. Standard SQL when nil.
	Encoder *sqlenc.Encoder
}

func (cfg *EnvConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conf == nil {
		return errors.New("conf is required")
	}
	if cfg.Names == nil {
		return errors.New("table names are required")
	}
	if cfg.Operator == nil {
		return errors.New("operator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = sqlenc.New(sqlenc.Standard)
	}
	return nil
}

// Env is shared by every task of a pipeline. It is read-only once built.
type Env struct {
	log   *slog.Logger
	clock clockwork.Clock
	conf  *conf.Config
	names *tablenames.Registry
	op    operator.Operator
	enc   *sqlenc.Encoder

	// fmtContext resolves query template placeholders: the public
	// configuration fields and every registered table name.
	fmtContext map[string]any
}

func NewEnv(cfg EnvConfig) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	register, err := cfg.Names.GlobalRegister()
	if err != nil {
		return nil, err
	}
	fmtContext := cfg.Conf.Fields()
	for _, key := range register.Keys() {
		if _, dup := fmtContext[key]; dup {
			return nil, fmt.Errorf("%w: table register key %q collides with a configuration field", conf.ErrConfiguration, key)
		}
		fmtContext[key], _ = register.Get(key)
	}

	return &Env{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		conf:       cfg.Conf,
		names:      cfg.Names,
		op:         cfg.Operator,
		enc:        cfg.Encoder,
		fmtContext: fmtContext,
	}, nil
}

func (e *Env) Logger() *slog.Logger        { return e.log }
func (e *Env) Clock() clockwork.Clock      { return e.clock }
func (e *Env) Conf() *conf.Config          { return e.conf }
func (e *Env) Names() *tablenames.Registry { return e.names }
func (e *Env) Operator() operator.Operator { return e.op }
func (e *Env) Encoder() *sqlenc.Encoder    { return e.enc }

// FormatContext returns a copy of the values available to templates.
func (e *Env) FormatContext() map[string]any {
	return maps.Clone(e.fmtContext)
}

// Format resolves template against the format context overlaid with params.
// A param may not shadow a context value.
func (e *Env) Format(template string, params map[string]any) (string, error) {
	values := e.fmtContext
	if len(params) > 0 {
		values = maps.Clone(e.fmtContext)
		for k, v := range params {
			if _, dup := values[k]; dup {
				return "", fmt.Errorf("%w: param %q shadows a context value", conf.ErrConfiguration, k)
			}
			values[k] = v
		}
	}
	return Format(template, values)
}

// WithLogger returns a copy of e logging to log.
func (e *Env) WithLogger(log *slog.Logger) *Env {
	cp := *e
	cp.log = log
	return &cp
}
