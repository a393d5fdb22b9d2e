package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/localdev"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/pipeline"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/registry"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
)

var (
	dashDebug    bool
	dashBuild    bool
	dashLocalDir string
	dashNoMount  bool
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Build, run and locate the dashboard container",
}

var dashboardURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the URL the local dashboard is reachable at",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := localdev.DashboardURL(a.cfg.DashboardURL, a.cfg.DashboardPort)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	},
}

var dashboardCmdCmd = &cobra.Command{
	Use:   "cmd",
	Short: "Print the docker run command for the dashboard container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := localdev.RunCommand(dashboardRunOptions())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	},
}

var dashboardRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dashboard container locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		if dashBuild {
			if err := b.Build(cmd.Context(), a.cfg.DashboardDir, a.cfg.LocalImage()); err != nil {
				return err
			}
		}
		id, err := b.Run(cmd.Context(), dashboardRunOptions())
		if err != nil {
			return err
		}
		a.record(state.KindContainer, id, map[string]string{"image": a.cfg.LocalImage()})
		u, err := localdev.DashboardURL(a.cfg.DashboardURL, a.cfg.DashboardPort)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "container %s\ndashboard %s\n", id, u)
		return nil
	},
}

var dashboardStopCmd = &cobra.Command{
	Use:   "stop [container-id...]",
	Short: "Stop and remove dashboard containers (default: all recorded ones)",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		l, err := a.ledger()
		if err != nil {
			return err
		}
		ids := args
		if len(ids) == 0 {
			for _, e := range l.ListActive() {
				if e.Kind == state.KindContainer {
					ids = append(ids, e.ID)
				}
			}
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No running dashboard containers")
			return nil
		}
		for _, id := range ids {
			if err := b.Stop(cmd.Context(), id); err != nil {
				return err
			}
			if err := l.MarkCleanedUp(state.KindContainer, id); err != nil {
				a.logger.Debug().Err(err).Str("container", id).Msg("container was not in the ledger")
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the dashboard image to the container registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := a.resolveAccount(cmd.Context()); err != nil {
			return err
		}
		uri, err := a.cfg.ImageURI()
		if err != nil {
			return err
		}
		p, err := a.pusher(cmd.Context())
		if err != nil {
			return err
		}
		digest, err := p.Push(cmd.Context(), a.cfg.LocalImage(), uri)
		if err != nil {
			return err
		}
		_, repo, tag := registry.ParseImageRef(uri)
		a.record(state.KindImage, uri, map[string]string{"repository": repo, "tag": tag, "digest": digest})
		fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", uri, digest)
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale <desired-count>",
	Short: "Set the desired task count of the dashboard service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid desired count %q: %w", args[0], err)
		}
		sc, err := a.scaler(cmd.Context())
		if err != nil {
			return err
		}
		if err := sc.Update(cmd.Context(), a.cfg.Cluster, a.cfg.Service, int32(n)); err != nil {
			return err
		}
		if n > 0 {
			a.record(state.KindServiceScale, a.cfg.Cluster+"/"+a.cfg.Service,
				map[string]string{"cluster": a.cfg.Cluster, "service": a.cfg.Service})
		}
		st, err := sc.WaitStable(cmd.Context(), a.cfg.Cluster, a.cfg.Service)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s running=%d desired=%d\n",
			st.Cluster, st.Service, st.Status, st.RunningCount, st.DesiredCount)
		if n > 0 && (a.cfg.LBName != "" || a.cfg.LBDNS != "") {
			u, err := sc.LoadBalancerURL(cmd.Context(), a.cfg.LBName, a.cfg.LBDNS)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
		}
		return nil
	},
}

// dashboardRunOptions applies the command line overrides to the configured
// container settings.
func dashboardRunOptions() localdev.RunOptions {
	opts := pipeline.DashboardRunOptions(a.cfg, dashDebug)
	if dashLocalDir != "" {
		opts.LocalDir = dashLocalDir
	}
	if dashNoMount {
		opts.LocalDir = ""
	}
	return opts
}

func init() {
	for _, c := range []*cobra.Command{dashboardCmdCmd, dashboardRunCmd} {
		c.Flags().BoolVar(&dashDebug, "debug", false, "start the dashboard in debug mode")
		c.Flags().StringVar(&dashLocalDir, "local-dir", "", "host directory to mount into the container")
		c.Flags().BoolVar(&dashNoMount, "no-mount", false, "do not mount a host directory")
	}
	dashboardRunCmd.Flags().BoolVar(&dashBuild, "build", false, "build the image before running it")

	dashboardCmd.AddCommand(dashboardURLCmd, dashboardCmdCmd, dashboardRunCmd, dashboardStopCmd)
	rootCmd.AddCommand(dashboardCmd, pushCmd, scaleCmd)
}
