package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"pkt.systems/clusterd"
	"pkt.systems/clusterd/internal/model"
)

func newAdminCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the cluster definition",
	}
	cmd.AddCommand(
		newAdminInitCommand(a),
		newAdminDropClusterCommand(a),
		newAdminAddInstanceCommand(a),
		newAdminEnableInstanceCommand(a, true),
		newAdminEnableInstanceCommand(a, false),
		newAdminDropInstanceCommand(a),
		newAdminInstancesCommand(a),
		newAdminAddResourceCommand(a),
		newAdminDropResourceCommand(a),
		newAdminResourcesCommand(a),
		newAdminRebalanceCommand(a),
		newAdminPauseCommand(a, true),
		newAdminPauseCommand(a, false),
		newAdminMessageTimeoutCommand(a),
		newAdminResetCommand(a),
		newAdminLeaderCommand(a),
		newAdminIdealStateCommand(a),
		newAdminViewCommand(a),
	)
	return cmd
}

// withAdmin prepares the config, opens a node and runs fn with its admin
// client.
func withAdmin(cmd *cobra.Command, a *app, fn func(ctx context.Context, adm *clusterd.Admin) error) error {
	if err := a.prepare(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()
	node, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = node.Close(closeCtx)
	}()
	adm, err := node.Admin(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, adm)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func newAdminInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the cluster skeleton, built-in state models and cluster config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				if err := adm.AddCluster(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cluster %s ready\n", a.cfg.Cluster)
				return nil
			})
		},
	}
}

func newAdminDropClusterCommand(a *app) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drop-cluster",
		Short: "Remove every node of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("drop-cluster removes all cluster state; pass --yes to confirm")
			}
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.DropCluster(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the removal")
	return cmd
}

func newAdminAddInstanceCommand(a *app) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "add-instance NAME",
		Short: "Register an instance config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.AddInstance(ctx, args[0], host, port)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "instance host")
	cmd.Flags().IntVar(&port, "port", 0, "instance port")
	return cmd
}

func newAdminEnableInstanceCommand(a *app, enable bool) *cobra.Command {
	use, short := "enable-instance NAME", "Allow the controller to place replicas on an instance"
	if !enable {
		use, short = "disable-instance NAME", "Move every replica of an instance to the initial state"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.EnableInstance(ctx, args[0], enable)
			})
		},
	}
}

func newAdminDropInstanceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-instance NAME",
		Short: "Remove a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.DropInstance(ctx, args[0])
			})
		},
	}
}

func newAdminInstancesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List configured instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				names, err := adm.Instances(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
				return nil
			})
		},
	}
}

func newAdminAddResourceCommand(a *app) *cobra.Command {
	var partitions int
	var stateModel, mode string
	cmd := &cobra.Command{
		Use:   "add-resource NAME",
		Short: "Describe a partitioned resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := model.RebalanceMode(strings.ToUpper(mode))
			if m != model.ModeAuto && m != model.ModeCustomized {
				return fmt.Errorf("unknown rebalance mode %q (AUTO or CUSTOMIZED)", mode)
			}
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.AddResource(ctx, args[0], partitions, stateModel, m)
			})
		},
	}
	cmd.Flags().IntVar(&partitions, "partitions", 1, "number of partitions")
	cmd.Flags().StringVar(&stateModel, "state-model", model.MasterSlave, "state model definition")
	cmd.Flags().StringVar(&mode, "mode", string(model.ModeAuto), "rebalance mode (AUTO or CUSTOMIZED)")
	return cmd
}

func newAdminDropResourceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-resource NAME",
		Short: "Remove a resource; replicas are dropped by the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.DropResource(ctx, args[0])
			})
		},
	}
}

func newAdminResourcesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				names, err := adm.Resources(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
				return nil
			})
		},
	}
}

func newAdminRebalanceCommand(a *app) *cobra.Command {
	var replicas int
	cmd := &cobra.Command{
		Use:   "rebalance NAME",
		Short: "Recompute preference lists over all configured instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.Rebalance(ctx, args[0], replicas)
			})
		},
	}
	cmd.Flags().IntVar(&replicas, "replicas", 0, "replicas per partition (0 uses every instance)")
	return cmd
}

func newAdminPauseCommand(a *app, pause bool) *cobra.Command {
	use, short := "pause", "Stop sending transitions; external views keep updating"
	if !pause {
		use, short = "resume", "Resume sending transitions"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.SetPaused(ctx, pause)
			})
		},
	}
}

func newAdminMessageTimeoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "message-timeout DURATION",
		Short: "Set how long a transition message may stay unacknowledged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("parse duration: %w", err)
			}
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.SetMessageTimeout(ctx, d)
			})
		},
	}
}

func newAdminResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-partition INSTANCE RESOURCE PARTITION",
		Short: "Return a partition in ERROR to the initial state so it can be retried",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				return adm.ResetPartition(ctx, args[0], args[1], args[2])
			})
		},
	}
}

func newAdminLeaderCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Show the leading controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				info, ok, err := adm.Leader(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("cluster %s has no leader", a.cfg.Cluster)
				}
				elected := "unknown"
				if !info.ElectedAt.IsZero() {
					elected = humanize.Time(info.ElectedAt)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) elected %s\n", info.Instance, info.Identity, elected)
				return nil
			})
		},
	}
}

type idealStateOutput struct {
	Resource    string                       `json:"resource"`
	StateModel  string                       `json:"state_model"`
	Mode        string                       `json:"mode"`
	Replicas    string                       `json:"replicas"`
	Preferences map[string][]string          `json:"preference_lists,omitempty"`
	StateMaps   map[string]map[string]string `json:"state_maps,omitempty"`
}

func newAdminIdealStateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ideal-state NAME",
		Short: "Print the ideal state of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				is, err := adm.IdealState(ctx, args[0])
				if err != nil {
					return err
				}
				out := idealStateOutput{
					Resource:    is.Resource(),
					StateModel:  is.StateModelDefRef(),
					Mode:        string(is.Mode()),
					Replicas:    is.Replicas(),
					Preferences: make(map[string][]string),
					StateMaps:   make(map[string]map[string]string),
				}
				for _, p := range is.Partitions() {
					if list := is.PreferenceList(p); len(list) > 0 {
						out.Preferences[p] = list
					}
					if states := is.InstanceStateMap(p); len(states) > 0 {
						out.StateMaps[p] = states
					}
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func newAdminViewCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view NAME",
		Short: "Print the external view of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, a, func(ctx context.Context, adm *clusterd.Admin) error {
				view, err := adm.ExternalView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, view)
			})
		},
	}
}
