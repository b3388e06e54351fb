package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rumikernel/internal/bootstrap"
	"rumikernel/internal/logging"
	"rumikernel/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the kernel and block, running scheduled flows until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := bootstrap.Build(workspace, configPath)
		if err != nil {
			return err
		}
		log := logging.For("serve")

		execFn := func(flowID string, triggerCtx map[string]any) (map[string]any, error) {
			result, err := d.Kernel.ExecuteFlow(flowID, triggerCtx, 0)
			return map[string]any(result), err
		}
		diagFn := func(phase, stepID, handler, status string, meta map[string]any, err error) {
			if err != nil {
				log.Warn("scheduler diagnostic", zap.String("phase", phase), zap.String("step", stepID), zap.String("handler", handler), zap.String("status", status), zap.Error(err))
				return
			}
			log.Debug("scheduler diagnostic", zap.String("phase", phase), zap.String("step", stepID), zap.String("handler", handler), zap.String("status", status))
		}
		sched := scheduler.New(execFn, diagFn)
		sched.Start()
		log.Info("rumikernel serving", zap.String("workspace", d.Resolver.Root()), zap.Int("packs", len(d.Registry.All())))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		sched.Stop(5 * time.Second)
		d.Egress.StopAll()
		d.CapProxy.StopAll()
		return nil
	},
}
