package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// physicalRouteView mirrors the admin API physical route payload.
type physicalRouteView struct {
	RouterEP     string    `json:"router_ep" yaml:"router_ep"`
	Capabilities uint32    `json:"capabilities" yaml:"capabilities"`
	LogicalSetID string    `json:"logical_set_id" yaml:"logical_set_id"`
	UdpEP        string    `json:"udp_ep" yaml:"udp_ep"`
	TcpEP        string    `json:"tcp_ep" yaml:"tcp_ep"`
	LastHeard    time.Time `json:"last_heard" yaml:"last_heard"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
}

// logicalRouteView mirrors the admin API logical route payload.
type logicalRouteView struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Local    bool   `json:"local" yaml:"local"`
	RouterEP string `json:"router_ep" yaml:"router_ep"`
	Distance string `json:"distance" yaml:"distance"`
}

// routesCmd groups the routing-table subcommands.
func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect the routing tables",
	}
	cmd.AddCommand(physicalRoutesCmd())
	cmd.AddCommand(logicalRoutesCmd())
	return cmd
}

// physicalRoutesCmd lists the physical routing table.
func physicalRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "physical",
		Short: "List physical routes",
		RunE: func(_ *cobra.Command, _ []string) error {
			var routes []physicalRouteView
			if err := getJSON("/v1/routes/physical", &routes); err != nil {
				return err
			}

			return render(routes, func() error {
				w := newTable()
				row(w, "ROUTER", "UDP", "TCP", "LAST HEARD", "EXPIRES")
				for _, r := range routes {
					row(w, r.RouterEP, r.UdpEP, r.TcpEP,
						r.LastHeard.Format(time.RFC3339),
						r.ExpiresAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

// logicalRoutesCmd lists the logical routing table.
func logicalRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logical",
		Short: "List logical routes",
		RunE: func(_ *cobra.Command, _ []string) error {
			var routes []logicalRouteView
			if err := getJSON("/v1/routes/logical", &routes); err != nil {
				return err
			}

			return render(routes, func() error {
				w := newTable()
				row(w, "PATTERN", "TARGET", "DISTANCE")
				for _, r := range routes {
					target := r.RouterEP
					if r.Local {
						target = "(local)"
					}
					row(w, r.Pattern, target, r.Distance)
				}
				return w.Flush()
			})
		},
	}
}

// sessionsCmd reports session-layer counters.
func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show session counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			var sv struct {
				Active        int `json:"active" yaml:"active"`
				CachedReplies int `json:"cached_replies" yaml:"cached_replies"`
			}
			if err := getJSON("/v1/sessions", &sv); err != nil {
				return err
			}

			return render(sv, func() error {
				w := newTable()
				row(w, "ACTIVE", "CACHED REPLIES")
				row(w, fmt.Sprintf("%d", sv.Active), fmt.Sprintf("%d", sv.CachedReplies))
				return w.Flush()
			})
		},
	}
}
