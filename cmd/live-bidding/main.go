// cmd/live-bidding/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YaganovValera/live-bidding/internal/app"
	"github.com/YaganovValera/live-bidding/internal/bidding"
	"github.com/YaganovValera/live-bidding/internal/config"
	"github.com/YaganovValera/live-bidding/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "live-bidding",
		Short:         "Live vehicle auction bidding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML); ENV LIVEBID_* overrides")

	root.AddCommand(
		newRunCmd(&cfgFile),
		newBidCmd(&cfgFile),
		newTokenCmd(&cfgFile),
	)
	return root
}

// setup загружает конфиг и создаёт логгер.
func setup(cfgFile string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init error: %w", err)
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the auction and serve the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.Logging.DevMode {
				cfg.Print(cmd.OutOrStdout())
			}

			ctx, cancel := signalContext()
			defer cancel()

			log.Sugar().Infow("starting service",
				"service.name", cfg.ServiceName,
				"service.version", cfg.ServiceVersion,
				"server.url", cfg.Server.URL,
			)
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Sugar().Errorw("application exited with error", "error", err)
				return err
			}
			log.Sugar().Infow("shutdown complete")
			return nil
		},
	}
}

type bidFlags struct {
	user   string
	car    string
	amount float64
	token  string
	wait   time.Duration
}

func (f *bidFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.user, "user", "", "bidder user id")
	fs.StringVar(&f.car, "car", "", "auction car id (bidCarId)")
	fs.Float64Var(&f.amount, "amount", 0, "bid amount")
	fs.StringVar(&f.token, "token", "", "auth token (default: config or stored token)")
	fs.DurationVar(&f.wait, "wait", 15*time.Second, "how long to wait for the connection")
}

func newBidCmd(cfgFile *string) *cobra.Command {
	var f bidFlags
	cmd := &cobra.Command{
		Use:   "bid",
		Short: "Place a single bid and print the server response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			resp, err := app.PlaceOnce(ctx, cfg, log, f.token, bidding.BidUserData{
				UserID:   f.user,
				BidCarID: f.car,
				Amount:   f.amount,
			}, f.wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp))
			return nil
		},
	}
	f.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("car")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newTokenCmd(cfgFile *string) *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored auth token",
	}
	token.AddCommand(
		&cobra.Command{
			Use:   "set <token>",
			Short: "Store the auth token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := setup(*cfgFile)
				if err != nil {
					return err
				}
				defer log.Sync()
				if cfg.Credentials.Backend == "memory" {
					log.Warn("credentials.backend=memory: token will not outlive this process")
				}
				if err := app.SetToken(cmd.Context(), cfg, log, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token stored")
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored auth token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := setup(*cfgFile)
				if err != nil {
					return err
				}
				defer log.Sync()
				if err := app.ClearToken(cmd.Context(), cfg, log); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token removed")
				return nil
			},
		},
	)
	return token
}
