package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces the tunables: --poll-timeout is FLOWHOOK_POLL_TIMEOUT.
const EnvPrefix = "flowhook"

// InitViper loads cfgFile, or $HOME/.flowhook.yaml when cfgFile is empty, and
// turns on FLOWHOOK_* environment overrides. A missing default file is not an
// error. It returns the path of the file that was read, if any.
func InitViper(v *viper.Viper, cfgFile string) (string, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName(".flowhook")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	return v.ConfigFileUsed(), nil
}
