package sessioncmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List all known sessions, newest first",
	RunE:  runSessions,
}

var sessionsLimit int

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 10, "maximum sessions to show (0 = all)")
}

// RegisterSessionsCmd registers the sessions command with the given parent command.
func RegisterSessionsCmd(parent *cobra.Command) {
	parent.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	if sessionsLimit > 0 && len(sessions) > sessionsLimit {
		sessions = sessions[:sessionsLimit]
	}

	for _, sess := range sessions {
		state := "active"
		if sess.Complete {
			state = "complete"
			if sess.Forced {
				state = "complete (forced)"
			}
		}
		fmt.Printf("%s  %-12s %-18s started %s, %d artifacts\n",
			sess.ID, sess.Tool, state,
			sess.StartTime.Format(time.RFC3339), len(sess.Artifacts))
	}
	return nil
}
