package sessioncmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rowanharley/fleetdiag/internal/config"
	"github.com/rowanharley/fleetdiag/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the active session update live",
	RunE:  runWatch,
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// RegisterWatchCmd registers the watch command with the given parent command.
func RegisterWatchCmd(parent *cobra.Command) {
	parent.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	m := watchModel{
		ctx:      cmd.Context(),
		store:    st,
		interval: watchInterval,
		cfg:      cfg,
	}
	_, err = tea.NewProgram(m).Run()
	return err
}

type refreshMsg struct {
	session   *store.Session
	instances []store.Instance
	err       error
}

type tickMsg time.Time

type watchModel struct {
	ctx      context.Context
	store    store.Store
	cfg      *config.Config
	interval time.Duration

	session   *store.Session
	instances []store.Instance
	err       error
}

func (m watchModel) Init() tea.Cmd {
	return m.refresh
}

func (m watchModel) refresh() tea.Msg {
	sess, err := m.store.ActiveSession(m.ctx)
	if err != nil {
		return refreshMsg{err: err}
	}
	instances, err := m.store.Instances(m.ctx)
	if err != nil {
		return refreshMsg{err: err}
	}
	return refreshMsg{session: sess, instances: instances}
}

func (m watchModel) tickAfter() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case refreshMsg:
		m.session = msg.session
		m.instances = msg.instances
		m.err = msg.err
		return m, m.tickAfter()
	case tickMsg:
		return m, m.refresh
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("error: %v\n\n(q to quit)\n", m.err)
	}
	body := renderStatus(m.session, m.instances, m.cfg.Daemon.HeartbeatTTL())
	return body + "\n\n" + pendingStyle.Render("q to quit") + "\n"
}
