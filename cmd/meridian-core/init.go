package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var v *viper.Viper

// viperKeyDelimiter separates nested configuration keys. ".." instead of the
// default "." so pool IDs and platform names containing dots survive as map
// keys rather than being split into nested objects.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	registerConfig()
}

type configKey []string

func (c configKey) EnvName() string {
	return "MERIDIAN_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	flags := rootCmd.Flags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		"", "location of config file")

	registerString(flags, name("log", "level"),
		"info", "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		true, "output logs in color")

	registerString(flags, name("api", "host"),
		"0.0.0.0", "API server listen host")
	registerInt(flags, name("api", "port"),
		8092, "API server listen port")

	registerString(flags, name("scheduling", "queue-timeout"),
		"0s", "deadline from admission enqueue to gang start, 0 to disable")
	registerString(flags, name("scheduling", "exec-timeout"),
		"0s", "deadline on user command execution, 0 to disable")
	registerString(flags, name("scheduling", "start-window"),
		"2m0s", "how long a placed gang may sit at the start barrier")
	registerInt(flags, name("scheduling", "retry-ceiling"),
		5, "maximum automatic reschedules per task")
	registerString(flags, name("scheduling", "retention"),
		"24h0m0s", "how long terminal workflows are retained, 0 to keep forever")
}
