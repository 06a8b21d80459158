package main

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeycumines/go-threadcore/sema"
	"github.com/joeycumines/logiface"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is prepended to flag names, to give their environment variables,
// e.g. THREADCORE_MAX_POST.
const envPrefix = `THREADCORE`

const (
	cfgConfig      = `config`
	cfgLifecycles  = `lifecycles`
	cfgWorkers     = `workers`
	cfgInitial     = `initial`
	cfgMaximum     = `maximum`
	cfgStrategy    = `strategy`
	cfgMaxPost     = `max-post`
	cfgBatch       = `batch`
	cfgTimeout     = `timeout`
	cfgLogLevel    = `log-level`
	cfgMetricsAddr = `metrics-addr`
	cfgSeed        = `seed`
)

// config is the resolved configuration for a soak run.
type config struct {
	MetricsAddr string
	Timeout     time.Duration
	Seed        int64
	Lifecycles  int
	Workers     int
	Initial     int
	Maximum     int
	MaxPost     int
	Strategy    sema.Strategy
	LogLevel    logiface.Level
	Batch       bool
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringP(cfgConfig, `c`, ``, `path to a config file (json, toml, yaml), overridden by flags`)
	fs.IntP(cfgLifecycles, `n`, 10000, `number of simulated thread lifecycles`)
	fs.IntP(cfgWorkers, `w`, 64, `number of concurrent lifecycles (worker pool size)`)
	fs.Int(cfgInitial, 0, `initial semaphore value`)
	fs.Int(cfgMaximum, sema.MaxValue, `maximum semaphore value`)
	fs.String(cfgStrategy, sema.StrategyBulk.String(), `wake strategy, one of: bulk, cascade`)
	fs.Int(cfgMaxPost, 8, `maximum units per post`)
	fs.Bool(cfgBatch, false, `coalesce posts, using a batching poster`)
	fs.Duration(cfgTimeout, time.Minute, `maximum duration of the run`)
	fs.String(cfgLogLevel, logiface.LevelInformational.String(), `log level, e.g. err, warning, info, debug, trace`)
	fs.String(cfgMetricsAddr, ``, `address to serve prometheus metrics on, disabled if empty`)
	fs.Int64(cfgSeed, 0, `seed for post sizes, random if 0`)
	return fs
}

// loadConfig parses args, layering them over environment variables, and the
// optional config file, using viper.
func loadConfig(fs *flag.FlagSet, args []string) (*config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, `bind flags`)
	}

	if path := v.GetString(cfgConfig); path != `` {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, `read config file %q`, path)
		}
	}

	c := config{
		MetricsAddr: v.GetString(cfgMetricsAddr),
		Timeout:     v.GetDuration(cfgTimeout),
		Seed:        v.GetInt64(cfgSeed),
		Lifecycles:  v.GetInt(cfgLifecycles),
		Workers:     v.GetInt(cfgWorkers),
		Initial:     v.GetInt(cfgInitial),
		Maximum:     v.GetInt(cfgMaximum),
		MaxPost:     v.GetInt(cfgMaxPost),
		Batch:       v.GetBool(cfgBatch),
	}

	var err error
	if c.Strategy, err = sema.ParseStrategy(v.GetString(cfgStrategy)); err != nil {
		return nil, errors.Wrap(err, cfgStrategy)
	}
	if c.LogLevel, err = parseLevel(v.GetString(cfgLogLevel)); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (x *config) validate() error {
	switch {
	case x.Lifecycles <= 0:
		return errors.Newf(`%s must be positive`, cfgLifecycles)
	case x.Workers <= 0:
		return errors.Newf(`%s must be positive`, cfgWorkers)
	case x.MaxPost <= 0:
		return errors.Newf(`%s must be positive`, cfgMaxPost)
	case x.MaxPost > x.Maximum:
		return errors.Newf(`%s %d exceeds %s %d`, cfgMaxPost, x.MaxPost, cfgMaximum, x.Maximum)
	case x.Timeout <= 0:
		return errors.Newf(`%s must be positive`, cfgTimeout)
	}
	// initial and maximum are validated by sema.New
	return nil
}

// parseLevel parses the value returned by logiface.Level.String.
func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, errors.Newf(`unknown %s %q`, cfgLogLevel, s)
}
