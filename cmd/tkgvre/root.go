package main

import (
	goflag "flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/cnclabs/tkgvre/internal/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "tkgvre",
		Short: "TKG-VRE: recurrent variational temporal knowledge graph embeddings",
		Long: `TKG-VRE learns time-evolving entity and relation embeddings from a sequence
of knowledge graph snapshots. Each snapshot is convolved by a relational graph
convolutional network, conditioned on a recurrent summary of the history, and
optionally treated as a posterior over a prior predicted from that history.

Input Format:
  One quadruple per line: head relation tail time (tab or space separated)
  Example:
    Barack_Obama	Make_statement	China	0
    China	Host_a_visit	Angela_Merkel	24

Output Format:
  E entity_name v1 v2 ...
  R relation_name v1 v2 ...`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

var klogFlags = goflag.NewFlagSet("klog", goflag.ExitOnError)

// flagKeys maps config keys to the persistent flags that override them
var flagKeys = map[string]string{
	"data.dir":      "data-dir",
	"data.output":   "output",
	"model.encoder": "encoder",
	"model.score":   "score",
	"train.epochs":  "epochs",
	"eval.workers":  "workers",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./tkgvre.yaml)")
	flags.String("data-dir", ".", "directory holding train.txt, valid.txt and test.txt")
	flags.String("output", "tkgvre.embeddings.txt", "path to output embeddings file")
	flags.String("encoder", "recurrent-vae", "encoder: recurrent-vae, time-decay or static")
	flags.String("score", "distmult", "scoring function: distmult or complex")
	flags.Int("epochs", 100, "number of training epochs")
	flags.Int("workers", 4, "number of parallel evaluation workers")

	cobra.CheckErr(bindFlags(flags, flagKeys))

	// klog flags (-v, -logtostderr, ...)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(trainCmd, statsCmd, versionCmd)
}

// bindFlags binds each config key to the named flag so that an explicitly set
// flag overrides the config file and the environment
func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return errors.Errorf("no flag named %q for %s", name, key)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// initConfig reads in config file and ENV variables if set. Only a missing
// default config file is tolerated.
func initConfig() error {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("tkgvre")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "reading config")
	}
	fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	return nil
}

// loadConfig decodes and validates the effective configuration
func loadConfig() (*config.Config, error) {
	if err := initConfig(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// -v on the command line wins over log.verbosity
	if cfg.Log.Verbosity > 0 && !rootCmd.PersistentFlags().Changed("v") {
		if err := klogFlags.Set("v", fmt.Sprint(cfg.Log.Verbosity)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
