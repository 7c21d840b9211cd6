package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sideload/internal/journal"
	"github.com/ppiankov/sideload/internal/model"
)

var (
	journalPackage string
	journalFailed  bool
	journalLimit   int
	journalJSON    bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd, journalListCmd)

	journalListCmd.Flags().StringVar(&journalPackage, "package", "", "Only entries for this package")
	journalListCmd.Flags().BoolVar(&journalFailed, "failed", false, "Only failed installs")
	journalListCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "Newest N entries (0 = all)")
	journalListCmd.Flags().BoolVar(&journalJSON, "json", false, "Print entries as JSON")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the install journal",
}

func journalPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Journal.Path
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify the hash chain of the install journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := journalPath(args)
		result := journal.Verify(path)
		if result.Valid {
			fmt.Printf("%s %s (%d entries)\n", okColor.Sprint("VALID"), path, result.Lines)
			return nil
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", failColor.Sprint("INVALID"), path)
		fmt.Fprintf(os.Stderr, "  line %d: %s\n", result.ErrorLine, result.Error)
		return &exitError{code: 1}
	},
}

var journalListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List recent installs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := journal.Read(journalPath(args), journal.Filter{
			PackageName: journalPackage,
			FailedOnly:  journalFailed,
			Limit:       journalLimit,
		})
		if err != nil {
			return err
		}

		if journalJSON {
			data, _ := json.MarshalIndent(entries, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s %-12s %-9s %-32s %s\n",
				e.Timestamp,
				statusWord(model.StatusCode(e.StatusCode)),
				e.Mechanism,
				truncate(e.PackageName, 32),
				e.Message,
			)
		}
		return nil
	},
}
