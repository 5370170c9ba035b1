package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/sym"
)

// MigrateCmd applies pending schema migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: sym.DB + " Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Printf("%s Schema up to date (%s)\n", sym.DB, cfg.GetDatabaseDSN())
		return nil
	},
}
