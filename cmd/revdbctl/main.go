// Command revdbctl inspects and maintains a revdb store described by a YAML
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andreyvit/revdb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "revdbctl:", err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        *Config
	db         *revdb.DB
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "revdbctl",
		Short:         "Inspect and maintain a revdb store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "revdb.yaml", "path to the YAML config file")

	root.AddCommand(a.statsCmd())
	root.AddCommand(a.dumpCmd())
	root.AddCommand(a.getCmd())
	root.AddCommand(a.putCmd())
	root.AddCommand(a.removeCmd())
	root.AddCommand(a.sinceCmd())
	root.AddCommand(a.catchUpCmd())
	root.AddCommand(a.pruneCmd())
	root.AddCommand(a.queryCmd())
	return root
}

func (a *app) open() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	db, err := revdb.Open(cfg.Path, cfg.Options())
	if err != nil {
		return err
	}
	if err := cfg.Register(db); err != nil {
		db.Close()
		return err
	}
	a.cfg, a.db = cfg, db
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
