package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect mtproto.yaml",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var (
		force bool
		apiID int32
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default configuration file",
		Long: `Write mtproto.yaml with default settings.

The file selects DC 2 over TCP with an in-memory key store. Set apiId
and serverKeys before connecting.

Examples:
  mtctl config init
  mtctl config init ./deploy --api-id=12345
  mtctl config init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := runConfigInit(dir, apiID, force)
			if err != nil {
				return err
			}
			success("Wrote %s", path)
			if apiID == 0 {
				info("Set apiId before running 'mtctl ping'")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.Flags().Int32Var(&apiID, "api-id", 0, "Application id to store in the file")

	return cmd
}

func runConfigInit(dir string, apiID int32, force bool) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", mterrors.New("E120").Wrap(err)
	}
	path := filepath.Join(dir, config.ConfigFileName)
	if config.Exists(dir) && !force {
		return "", mterrors.New("E140").
			WithDetail(path + " already exists").
			WithSuggestion("Pass --force to overwrite it")
	}

	cfg := config.New()
	cfg.APIID = apiID
	if err := cfg.SaveTo(path); err != nil {
		return "", err
	}
	return path, nil
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after environment overrides are applied.

Examples:
  mtctl config show
  MTPROTO_TRANSPORT=websocket mtctl config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.Path(), data)
			return nil
		},
	}
}
