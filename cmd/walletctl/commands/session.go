package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/moltbunker/walletlink/internal/config"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/internal/util"
	"github.com/moltbunker/walletlink/pkg/types"
	"github.com/spf13/cobra"
)

const metricsShutdownTimeout = 5 * time.Second

// openForContract opens a session on the network of the named contract
func openForContract(ctx context.Context, name string) (*contractEnv, error) {
	switch name {
	case "staking":
		return openContract(ctx, stakingConfig, stakingMessages)
	case "factory":
		return openContract(ctx, factoryConfig, factoryMessages)
	default:
		return nil, fmt.Errorf("unknown contract %q (want staking or factory)", name)
	}
}

// NewConnectCmd creates the connect command
func NewConnectCmd() *cobra.Command {
	var contractName string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect the wallet and switch to the contract's network",
		Long: `Ask the wallet for account access, then switch it to the network the
contract is deployed on, adding the network when the wallet does not know it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openForContract(cmd.Context(), contractName)
			if err != nil {
				return err
			}
			defer env.Close()

			err = env.run("Connecting wallet", func() error {
				return env.sess.Connect(cmd.Context())
			})
			if err != nil {
				return printBoard(env.sess.Board(), err)
			}
			return printSession("Wallet connected", env.sess.Snapshot(), env.network)
		},
	}

	cmd.Flags().StringVar(&contractName, "contract", "staking", "Contract whose network to use (staking, factory)")

	return cmd
}

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var contractName string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the wallet session without prompting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openForContract(cmd.Context(), contractName)
			if err != nil {
				return err
			}
			defer env.Close()

			if text := env.sess.Board().Text(); text != "" && !jsonOutput() {
				Warning(text)
			}
			return printSession("Session", env.sess.Snapshot(), env.network)
		},
	}

	cmd.Flags().StringVar(&contractName, "contract", "staking", "Contract whose network to use (staking, factory)")

	return cmd
}

// NewWatchCmd creates the long-running watch command
func NewWatchCmd() *cobra.Command {
	var (
		contractName string
		connect      bool
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session open and print wallet changes",
		Long: `Keep the wallet session open and print every account change, chain
change and status update until interrupted. The config file is reloaded when
it changes. With --metrics, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openForContract(ctx, contractName)
			if err != nil {
				return err
			}
			defer env.Close()

			if metricsAddr == "" {
				metricsAddr = env.cfg.Metrics.ListenAddr
			}
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, env.collector.Handler())
				defer stop()
			}

			stopSession := env.sess.OnChange(func(snap session.Snapshot) {
				printEvent("session", snap.String())
			})
			defer stopSession()
			stopBoard := env.sess.Board().Subscribe(func(snap status.Snapshot) {
				if snap.Text != "" {
					printEvent("status", snap.Text)
				}
			})
			defer stopBoard()

			if connect {
				if err := env.sess.Connect(ctx); err != nil {
					Warning(err.Error())
				}
			}
			if err := printSession("Watching", env.sess.Snapshot(), env.network); err != nil {
				return err
			}

			reloads, err := config.NewWatcher(configPath())
			if err != nil {
				logging.Warn("config watch disabled",
					logging.Component("cli"),
					logging.Err(err))
			} else {
				util.SafeGoWithName("config-watch", func() {
					reloads.Run(ctx, func(cfg *config.Config, err error) {
						onConfigReload(env, cfg, err)
					})
				})
			}

			<-ctx.Done()
			Info("Stopped watching")
			return nil
		},
	}

	cmd.Flags().StringVar(&contractName, "contract", "staking", "Contract whose network to use (staking, factory)")
	cmd.Flags().BoolVar(&connect, "connect", false, "Request account access before watching")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")

	return cmd
}

func printEvent(kind, msg string) {
	if jsonOutput() {
		_ = printJSON(map[string]string{
			"time":  time.Now().UTC().Format(time.RFC3339),
			"kind":  kind,
			"event": msg,
		})
		return
	}
	fmt.Printf("%s %s %s\n", StyleDim.Render(time.Now().Format("15:04:05")), StyleAccent.Render(kind), msg)
}

// onConfigReload applies what can change without reconnecting
func onConfigReload(env *contractEnv, cfg *config.Config, err error) {
	if err != nil {
		printEvent("config", "reload failed: "+err.Error())
		return
	}
	if err := logging.Configure(logOutput, cfg.Log.Level, cfg.Log.Format); err != nil {
		printEvent("config", "reload failed: "+err.Error())
		return
	}
	printEvent("config", "reloaded")

	cur, ok := cfg.Network(env.network.ChainID)
	if !ok || !sameNetwork(cur, env.network) {
		Warning("Network settings changed; restart watch to apply them")
	}
}

func sameNetwork(a, b types.NetworkDescriptor) bool {
	return a.ChainID == b.ChainID && a.ChainName == b.ChainName && a.RPCURL() == b.RPCURL()
}

// serveMetrics serves handler on addr until the returned func is called
func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	util.SafeGoWithName("metrics-server", func() {
		logging.Info("serving metrics",
			logging.Component("cli"),
			"addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed",
				logging.Component("cli"),
				logging.Err(err))
		}
	})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
