package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusView mirrors the admin API status payload.
type statusView struct {
	RouterEP       string    `json:"router_ep" yaml:"router_ep"`
	Tier           string    `json:"tier" yaml:"tier"`
	P2P            bool      `json:"p2p" yaml:"p2p"`
	Started        bool      `json:"started" yaml:"started"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	DuplicateLeaf  bool      `json:"duplicate_leaf" yaml:"duplicate_leaf"`
	PhysicalRoutes int       `json:"physical_routes" yaml:"physical_routes"`
	LogicalRoutes  int       `json:"logical_routes" yaml:"logical_routes"`
	ActiveSessions int       `json:"active_sessions" yaml:"active_sessions"`
}

// statusCmd reports the router's status.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the router's status",
		RunE: func(_ *cobra.Command, _ []string) error {
			var st statusView
			if err := getJSON("/v1/status", &st); err != nil {
				return err
			}

			return render(st, func() error {
				w := newTable()
				row(w, "FIELD", "VALUE")
				row(w, "router_ep", st.RouterEP)
				row(w, "tier", st.Tier)
				row(w, "p2p", fmt.Sprintf("%v", st.P2P))
				row(w, "started", fmt.Sprintf("%v", st.Started))
				row(w, "started_at", st.StartedAt.Format(time.RFC3339))
				row(w, "duplicate_leaf", fmt.Sprintf("%v", st.DuplicateLeaf))
				row(w, "physical_routes", fmt.Sprintf("%d", st.PhysicalRoutes))
				row(w, "logical_routes", fmt.Sprintf("%d", st.LogicalRoutes))
				row(w, "active_sessions", fmt.Sprintf("%d", st.ActiveSessions))
				return w.Flush()
			})
		},
	}
}
