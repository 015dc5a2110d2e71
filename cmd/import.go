package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/inboxpilot/jobtrack/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load messages from a JSON lines file",
	Long: `Reads one JSON-encoded message per line and upserts each into the store.
Messages already present are skipped, so re-importing the same file is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "import: open file")
		}
		defer f.Close()

		var msgs []model.Message
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var msg model.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return eris.Wrapf(err, "import: line %d", line)
			}
			if msg.ID == "" {
				return eris.Errorf("import: line %d: message has no id", line)
			}
			msgs = append(msgs, msg)
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "import: read file")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		imported, err := e.Store.ImportMessages(ctx, msgs)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d of %d message(s) (%d already present)\n",
			imported, len(msgs), len(msgs)-imported)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
