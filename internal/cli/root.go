// Package cli implements the cwaxe CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	profile string
	region  string
	verbose bool
)

// maxAliasDepth bounds alias-in-alias expansion.
const maxAliasDepth = 8

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cwaxe",
	Short: "AWS CloudWatch Logs viewer",
	Long: `cwaxe retrieves, tails, filters and formats CloudWatch log records.

It fetches historical events page by page, streams live events over the
StartLiveTail API, and applies client-side regex substitution and datetime
formatting before printing.`,
	SilenceUsage: true,
}

// Execute expands aliases in os.Args and runs the root command.
func Execute() error {
	args, err := expandAlias(os.Args[1:])
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/cwaxe/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "AWS profile name")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region (overriding profile)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")

	viper.SetEnvPrefix("CWAXE")
	viper.AutomaticEnv()

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if verbose || os.Getenv("CWAXE_LOG") == "debug" {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Add subcommands
	rootCmd.AddCommand(newLogCmd())
	rootCmd.AddCommand(newGroupsCmd())
	rootCmd.AddCommand(newStreamsCmd())
	rootCmd.AddCommand(newAliasCmd())
	rootCmd.AddCommand(newAliasesCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "cwaxe"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Read config file if it exists
	_ = viper.ReadInConfig()
}

// configFilePath returns the file the alias command writes to.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cwaxe", "config.yaml"), nil
}

// expandAlias rewrites an unknown first argument through the alias table
// in the config file. Saved arguments replace the alias name; anything
// after it on the command line is appended.
func expandAlias(args []string) ([]string, error) {
	// Aliases live in the config file; load it before cobra runs.
	readConfigForArgs(args)

	known := map[string]bool{
		"log": true, "logs": true, "groups": true, "streams": true,
		"alias": true, "aliases": true, "version": true,
		"help": true, "completion": true,
	}

	for depth := 0; depth < maxAliasDepth; depth++ {
		name, at := firstPositional(args)
		if name == "" || known[name] {
			return args, nil
		}
		saved := viper.GetStringSlice("alias." + name)
		if len(saved) == 0 {
			return args, fmt.Errorf("unknown command or alias %q", name)
		}
		log.Debug().Str("alias", name).Strs("args", saved).Msg("expanding alias")
		expanded := make([]string, 0, len(args)+len(saved))
		expanded = append(expanded, args[:at]...)
		expanded = append(expanded, saved...)
		expanded = append(expanded, args[at+1:]...)
		args = expanded
	}
	return nil, fmt.Errorf("alias expansion exceeded %d levels", maxAliasDepth)
}

// firstPositional finds the first non-flag argument, skipping values of
// flags that take one.
func firstPositional(args []string) (string, int) {
	valueFlags := map[string]bool{
		"--config": true, "--profile": true, "-p": true, "--region": true,
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			if valueFlags[a] && !strings.Contains(a, "=") {
				i++
			}
			continue
		}
		return a, i
	}
	return "", -1
}

// readConfigForArgs primes viper with the config file before command
// dispatch, honoring an explicit --config.
func readConfigForArgs(args []string) {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			cfgFile = args[i+1]
		} else if strings.HasPrefix(a, "--config=") {
			cfgFile = strings.TrimPrefix(a, "--config=")
		}
	}
	initConfig()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cwaxe version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// version is set at build time via -ldflags.
var version = "dev"
