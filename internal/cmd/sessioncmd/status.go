package sessioncmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rowanharley/fleetdiag/internal/fencelock"
	"github.com/rowanharley/fleetdiag/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session and fleet state",
	RunE:  runStatus,
}

// RegisterStatusCmd registers the status command with the given parent command.
func RegisterStatusCmd(parent *cobra.Command) {
	parent.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	sess, err := st.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("fetch active session: %w", err)
	}
	instances, err := st.Instances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	fmt.Println(renderStatus(sess, instances, cfg.Daemon.HeartbeatTTL()))
	fmt.Println(renderLock(cfg.Lock.Path))
	return nil
}

func renderLock(path string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Lock"))
	b.WriteString("\n")

	record, err := fencelock.ReadRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			b.WriteString(pendingStyle.Render("  not held"))
		} else {
			b.WriteString(warnStyle.Render("  unreadable (see `fleetdiag lock release`)"))
		}
		return b.String()
	}

	now := time.Now().UTC()
	if record.Expired(now) {
		fmt.Fprintf(&b, "  %s %s, expired %s ago\n",
			warnStyle.Render("held by"), record.OwnerInstance,
			now.Sub(record.ExpiresAt).Round(time.Second))
	} else {
		fmt.Fprintf(&b, "  %s %s for %q, expires in %s\n",
			okStyle.Render("held by"), record.OwnerInstance, record.Operation,
			record.ExpiresAt.Sub(now).Round(time.Second))
	}
	return b.String()
}

func renderStatus(sess *store.Session, fleet []store.Instance, heartbeatTTL time.Duration) string {
	var b strings.Builder
	now := time.Now().UTC()

	b.WriteString(titleStyle.Render("Fleet"))
	b.WriteString("\n")
	if len(fleet) == 0 {
		b.WriteString(pendingStyle.Render("  no registered instances"))
		b.WriteString("\n")
	}
	for _, inst := range fleet {
		marker := okStyle.Render("●")
		note := ""
		if !inst.Alive(now, heartbeatTTL) {
			marker = warnStyle.Render("●")
			note = pendingStyle.Render(fmt.Sprintf("  (last seen %s ago)", now.Sub(inst.LastSeen).Round(time.Second)))
		}
		fmt.Fprintf(&b, "  %s %s%s\n", marker, inst.ID, note)
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Active session"))
	b.WriteString("\n")
	if sess == nil {
		b.WriteString(pendingStyle.Render("  none"))
		return b.String()
	}

	fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("id:"), sess.ID)
	fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("tool:"), sess.Tool)
	fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("age:"), sess.Age(now).Round(time.Second))
	if len(sess.Scope) > 0 {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("scope:"), strings.Join(sess.Scope, ", "))
	} else {
		fmt.Fprintf(&b, "  %s all instances\n", labelStyle.Render("scope:"))
	}

	if len(sess.Instances) > 0 {
		fmt.Fprintf(&b, "  %s\n", labelStyle.Render("progress:"))
		ids := make([]string, 0, len(sess.Instances))
		for id := range sess.Instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			state := sess.Instances[id]
			style := pendingStyle
			if state == store.InstanceCompleted {
				style = okStyle
			}
			fmt.Fprintf(&b, "    %s  %s\n", id, style.Render(string(state)))
		}
	}

	if len(sess.Artifacts) > 0 {
		fmt.Fprintf(&b, "  %s\n", labelStyle.Render("artifacts:"))
		for _, a := range sess.Artifacts {
			fmt.Fprintf(&b, "    %s (%d bytes)\n", a.Name, a.SizeBytes)
		}
	}
	return b.String()
}
