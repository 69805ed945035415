package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore wraps core with volume sampling. Error and above always
// pass through; everything below is capped per tick.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errors := &bandCore{
		Core: core,
		min:  zapcore.ErrorLevel,
		max:  zapcore.FatalLevel,
	}
	rest := &bandCore{
		Core: core,
		min:  zapcore.DebugLevel,
		max:  zapcore.WarnLevel,
	}

	sampled := zapcore.NewSamplerWithOptions(rest, cfg.Tick, cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errors, sampled)
}

// bandCore passes entries whose level falls in [min, max].
type bandCore struct {
	zapcore.Core
	min zapcore.Level
	max zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With keeps the band on child cores.
func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{
		Core: c.Core.With(fields),
		min:  c.min,
		max:  c.max,
	}
}
