package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAliasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alias <name> -- <args...>",
		Short: "Add or rewrite a command alias",
		Long: `Save an argument list under a name. Invoking cwaxe with that name runs
the saved arguments, with anything after the name appended.

Use -- so flags are saved rather than parsed:

  cwaxe alias my-app -- -p my-profile log my-group my-stream
  cwaxe my-app --tail`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			saved := args[1:]

			viper.Set("alias."+name, saved)

			path, err := configFilePath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("cannot create config directory for %s: %w", path, err)
			}
			if err := viper.WriteConfigAs(path); err != nil {
				return fmt.Errorf("writing config to %s: %w", path, err)
			}
			log.Debug().Str("alias", name).Strs("args", saved).Str("config", path).Msg("alias saved")
			return nil
		},
	}
}

func newAliasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aliases",
		Short: "Print all aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			aliases := viper.GetStringMapStringSlice("alias")
			names := make([]string, 0, len(aliases))
			for name := range aliases {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s\t%s\n", name, quoteArgs(aliases[name]))
			}
			return nil
		},
	}
}

// quoteArgs renders a saved argument list the way it would be typed.
func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return strings.Join(quoted, " ")
}
