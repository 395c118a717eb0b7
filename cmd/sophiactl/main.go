// Command sophiactl drives a Sophia environment from the shell: open a
// repository, read and write keys, scan a range, and trigger a backup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpl-au/sophia"
)

var (
	repoPath string
	dbName   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sophiactl",
	Short: "Inspect and drive a Sophia storage environment",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "path", ".", "repository root")
	rootCmd.PersistentFlags().StringVar(&dbName, "db", "default", "database name")
	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, scanCmd, backupCmd)
}

func openEnv() (*sophia.Environment, error) {
	settings := sophia.NewSettings()
	settings.Set("sophia.path", repoPath)
	settings.Set("sophia.path_create", "true")
	return sophia.Open(settings)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Destroy()
		db, err := env.OpenDatabase(dbName)
		if err != nil {
			return err
		}
		v, err := db.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Destroy()
		db, err := env.OpenDatabase(dbName)
		if err != nil {
			return err
		}
		return db.Set([]byte(args[1]), []byte(args[0]))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Destroy()
		db, err := env.OpenDatabase(dbName)
		if err != nil {
			return err
		}
		return db.Delete([]byte(args[0]))
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [lo] [hi]",
	Short: "Range-scan a database in key order",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Destroy()
		db, err := env.OpenDatabase(dbName)
		if err != nil {
			return err
		}
		var lo, hi []byte
		if len(args) > 0 {
			lo = []byte(args[0])
		}
		if len(args) > 1 {
			hi = []byte(args[1])
		}
		c := db.Cursor(lo, hi, sophia.Forward)
		defer c.Close()
		for c.Valid() {
			fmt.Printf("%s\t%s\n", c.Key(), c.Value())
			c.Next()
		}
		return c.Err()
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <backup-path>",
	Short: "Trigger a full repository backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Destroy()
		env.SetSetting("backup.path", args[0])
		rq, bsn, err := env.Backup()
		if err != nil {
			return err
		}
		fmt.Printf("backup %d started (request %d)\n", bsn, rq)
		return nil
	},
}
