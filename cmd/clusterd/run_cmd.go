package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/clusterd"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/svcfields"
)

type roles struct {
	controller  bool
	participant bool
}

func newControllerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Join the controller election and reconcile the cluster while leading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd, a, roles{controller: true}, 0)
		},
	}
}

func newParticipantCommand(a *app) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Register as a participant and log every transition it is asked to make",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd, a, roles{participant: true}, delay)
		},
	}
	cmd.Flags().DurationVar(&delay, "transition-delay", 0, "pause inside every transition handler")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a controller candidate and a participant in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(cmd, a, roles{controller: true, participant: true}, delay)
		},
	}
	cmd.Flags().DurationVar(&delay, "transition-delay", 0, "pause inside every transition handler")
	return cmd
}

func runRoles(cmd *cobra.Command, a *app, r roles, delay time.Duration) error {
	if err := a.prepare(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := svcfields.WithSubsystem(a.logger, "cli.run")
	logger.Info("welcome to clusterd", "pid", os.Getpid(), "controller", r.controller, "participant", r.participant)

	handler := &loggingHandler{logger: svcfields.WithSubsystem(a.logger, "participant.handler"), delay: delay}
	var opts []clusterd.Option
	for _, sm := range []string{model.MasterSlave, model.OnlineOffline, model.LeaderStandby} {
		opts = append(opts, clusterd.WithHandler(sm, handler))
	}
	opts = append(opts, clusterd.WithResetter(handler))
	node, err := a.open(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.Close(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	if r.participant {
		p, err := node.NewParticipant(ctx)
		if err != nil {
			return err
		}
		p.Start(ctx)
	}
	if r.controller {
		ctrl, err := node.NewController(ctx)
		if err != nil {
			return err
		}
		ctrl.Start(ctx)
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// loggingHandler accepts every transition and logs it.
type loggingHandler struct {
	logger pslog.Logger
	delay  time.Duration
}

func (h *loggingHandler) Transition(ctx context.Context, t clusterd.Transition) error {
	if h.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.delay):
		}
	}
	h.logger.Info("participant.handler.transition",
		"resource", t.Resource, "partition", t.Partition, "from", t.From, "to", t.To, "state_model", t.StateModelDef, "message", clusterd.MessageID(ctx))
	return nil
}

func (h *loggingHandler) Reset(_ context.Context, resource, partition, from string) {
	h.logger.Info("participant.handler.reset", "resource", resource, "partition", partition, "from", from)
}
