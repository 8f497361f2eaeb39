package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolwarden/toolwarden/internal/domain/protocol"
)

var hashDigestCmd = &cobra.Command{
	Use:   "hash-digest [json-arguments]",
	Short: "Compute the argument digest for a JSON document",
	Long: `Compute the canonical argument digest of a tool call's JSON arguments.

The digest is what protocol instances see in evaluate() requests and
what approval records are keyed by, so it can be used to correlate an
audit record or a pending approval with a concrete call.

Reads the JSON object from the argument, or from stdin when invoked
without one.

Example:
  toolwarden hash-digest '{"amount": 1500, "account": "acc-7"}'
  cat args.json | toolwarden hash-digest`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		if len(args) == 1 {
			data = []byte(args[0])
		} else {
			var err error
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}

		fmt.Println(protocol.ArgumentDigest(parsed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashDigestCmd)
}
