package main

import (
	"github.com/ashureev/shsh-proctor/internal/config"
	"github.com/ashureev/shsh-proctor/internal/store"
	"github.com/spf13/cobra"
)

// storeOpener opens the repository at path.
type storeOpener func(path string) (store.Repository, error)

func openStore(path string) (store.Repository, error) {
	return store.NewSQLite(path)
}

// cli carries state shared by every subcommand.
type cli struct {
	open   storeOpener
	dbPath string
}

func newRootCmd(open storeOpener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "proctorctl",
		Short: "Inspect and manage proctored assessment attempts",
		Long: `proctorctl reads the proctoring database used by the server.

Available subcommands:
  attempts   - List attempts, optionally for one user
  violations - List the recorded violations of an attempt
  end        - End an active attempt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database path (default: DB_PATH from the environment)")

	root.AddCommand(
		c.attemptsCmd(),
		c.violationsCmd(),
		c.endCmd(),
	)
	return root
}

// withStore opens the repository, runs fn and closes it.
func (c *cli) withStore(fn func(repo store.Repository) error) (err error) {
	path := c.dbPath
	if path == "" {
		cfg, cfgErr := config.Load()
		if cfgErr != nil {
			return cfgErr
		}
		path = cfg.DBPath
	}

	repo, err := c.open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(repo)
}
