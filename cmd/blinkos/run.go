package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"blinkos/internal/app"
	"blinkos/internal/board"
	"blinkos/internal/config"
	"blinkos/internal/console"
	"blinkos/internal/job"
	"blinkos/internal/logging"
	"blinkos/internal/sched"
)

var (
	runConfig   string
	runTrace    string
	runLogLevel string
	runKeys     bool
	runVirtual  bool
	runTicks    int64
	runLoad     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the demo and run the scheduler",
	Long: `Boots the four demo tasks and runs the scheduler in real time until
interrupted. With --virtual the scheduler instead advances --ticks ticks
as fast as possible and prints how often each LED toggled.
With --keys the simulated buttons follow the keyboard: 's' presses the
switch button, 'l' the light button and 'q' quits.
--load PERIOD,BUSY adds a task above all others that keeps the CPU for
BUSY ms every PERIOD ms, showing how the free-running blinkers drift
while the anchored one stays on its grid.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runConfig, "config", "c", "blinkos.yml", "configuration file, defaults apply when missing")
	runCmd.Flags().StringVar(&runTrace, "trace", "", "write scheduler events as CSV to this file")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "override log.level from the config")
	runCmd.Flags().BoolVar(&runKeys, "keys", false, "drive the simulated buttons from the keyboard")
	runCmd.Flags().BoolVar(&runVirtual, "virtual", false, "advance virtual time instead of running in real time")
	runCmd.Flags().Int64Var(&runTicks, "ticks", 0, "ticks to advance with --virtual")
	runCmd.Flags().StringVar(&runLoad, "load", "", "CPU load as PERIOD,BUSY in ms, e.g. 250,40")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runVirtual && runTicks <= 0 {
		return errors.New("--virtual needs a positive --ticks")
	}
	if runVirtual && runKeys {
		return errors.New("--keys needs real time, drop --virtual")
	}

	cfg, err := config.Load(runConfig)
	if err != nil {
		return err
	}
	if runLogLevel != "" {
		cfg.Log.Level = runLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	load, err := parseLoad(runLoad, cfg.Kernel.Normalize().TickMS)
	if err != nil {
		return err
	}
	logger := logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())

	var backend board.Backend
	var sim *board.SimBackend
	if runVirtual || runKeys {
		sim = board.NewSimBackend()
		backend = sim
	} else if backend, err = board.OpenBackend(cfg.Board.Backend); err != nil {
		logger.Error("open board", "backend", cfg.Board.Backend, "error", err)
		return err
	}

	sys, err := app.Boot(cfg, app.Deps{Backend: backend, Logger: logger, TracePath: runTrace, Load: load})
	if err != nil {
		logger.Error("boot failed", "error", err)
		return err
	}
	logger.Info("booted", "run_id", sys.RunID.String(), "backend", cfg.Board.Backend, "tick", sys.Sched.TickDuration())

	if runVirtual {
		defer sys.Close()
		if err := sys.Advance(sched.Tick(runTicks)); err != nil {
			logger.Error("kernel fault", "error", err)
			return err
		}
		for _, o := range sys.Board.Outputs() {
			cmd.Printf("%s toggled %d times\n", o.Name(), o.Toggles())
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runKeys {
		restore, err := console.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			sys.Close()
			return err
		}
		defer restore()
		console.Show(cmd.OutOrStdout(), sys.Board.Outputs())

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		drv := console.NewDriver(sim, 0, logger)
		go func() {
			defer cancel()
			if err := drv.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("keyboard", "error", err)
			}
		}()
	}

	if err := sys.Run(ctx); err != nil {
		logger.Error("kernel fault", "error", err)
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// parseLoad turns "PERIOD,BUSY" in milliseconds into a periodic load task
// whose first burst comes one period after start. An empty spec means no load.
func parseLoad(spec string, tickMS int) (sched.Runnable, error) {
	if spec == "" {
		return nil, nil
	}
	var periodMS, busyMS int
	if _, err := fmt.Sscanf(spec, "%d,%d", &periodMS, &busyMS); err != nil {
		return nil, fmt.Errorf("--load %q: want PERIOD,BUSY in ms: %w", spec, err)
	}
	if busyMS <= 0 || busyMS >= periodMS {
		return nil, fmt.Errorf("--load %q: need 0 < BUSY < PERIOD", spec)
	}
	period := sched.Tick(periodMS / tickMS)
	busy := sched.Tick(busyMS / tickMS)
	if busy == 0 {
		busy = 1
	}
	return job.Periodic(period, period, busy), nil
}
