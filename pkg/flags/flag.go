// Package flags implements the flag.Value types and the environment
// variable fallback the daemon's command line uses.
package flags

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// SetFlagsFromEnv parses all registered flags in the given flagset, and
// if they are not already set it attempts to set their values from
// environment variables. Environment variables take the name of the
// flag but are UPPERCASE, have the given prefix, and any dashes are
// replaced by underscores - for example: some-flag => APTERYX_SOME_FLAG.
func SetFlagsFromEnv(lg *zap.Logger, prefix string, fs *flag.FlagSet) error {
	var err error
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		alreadySet[FlagToEnv(prefix, f.Name)] = true
	})

	usedEnvKey := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if serr := setFlagFromEnv(lg, fs, prefix, f.Name, usedEnvKey, alreadySet); serr != nil {
			err = serr
		}
	})
	return err
}

// FlagToEnv converts a flag name to its upper-case environment variable
// key.
func FlagToEnv(prefix, name string) string {
	return prefix + "_" + strings.ToUpper(strings.Replace(name, "-", "_", -1))
}

func setFlagFromEnv(lg *zap.Logger, fs *flag.FlagSet, prefix, fname string, usedEnvKey, alreadySet map[string]bool) error {
	key := FlagToEnv(prefix, fname)
	if usedEnvKey[key] {
		return nil
	}
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	usedEnvKey[key] = true
	if alreadySet[key] {
		return fmt.Errorf("conflicting environment variable %q is shadowed by corresponding command-line flag (either unset environment variable or disable flag)", key)
	}
	if serr := fs.Set(fname, val); serr != nil {
		return fmt.Errorf("invalid value %q for %s: %v", val, key, serr)
	}
	if lg != nil {
		lg.Info("recognized and used environment variable",
			zap.String("variable-name", key), zap.String("variable-value", val))
	}
	return nil
}
