package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/realtime"
	"orderline/internal/repo"
	"orderline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Orderline CLI",
	Long: `Orderline coordinates peer-to-peer delivery orders.
Anyone can post an order; any other user can claim it, at most one winner
per order. Orders move pending -> claimed -> in_progress -> delivering ->
completed, with cancellation rules per status. Claimed orders carry a
two-party conversation between creator and courier.`,
}

func main() {
	cobra.OnInitialize(initViperEnv)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViperEnv() {
	viper.SetEnvPrefix("ORDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				data, err := yaml.Marshal(config.Default())
				if err != nil {
					return err
				}
				if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", workspace)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv("ORDERLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set ORDERLINE_JWT_SECRET or auth.jwt_secret")
			}
			tokenTTL, err := cfg.TokenTTL()
			if err != nil {
				return err
			}
			idleBound, err := cfg.IdleBound()
			if err != nil {
				return err
			}
			sweepInterval, err := cfg.SweepInterval()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			hub := realtime.NewHub(engine.New(conn), realtime.Config{
				SendBuffer:    cfg.Realtime.SendBuffer,
				IdleBound:     idleBound,
				SweepInterval: sweepInterval,
			})
			go hub.Run(ctx)
			authCfg := server.AuthConfig{
				JWTSecret: secret,
				TokenTTL:  tokenTTL,
				DevTokens: cfg.Auth.DevTokens,
			}
			handler, err := server.New(server.Config{
				Engine:   hub.Engine(),
				Hub:      hub,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, hub.Engine(), cfg.Webhooks)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Orderline API on http://%s%s (websocket at %s/ws)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserRegisterOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password")
	cmd.Flags().StringVar(&opts.DormitoryArea, "dormitory-area", "", "dormitory area")
	cmd.Flags().StringVar(&opts.BuildingNumber, "building", "", "building number")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phone", "Rating", "Completed"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Phone, u.Rating, u.CompletedOrders})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			secret := os.Getenv("ORDERLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set ORDERLINE_JWT_SECRET or auth.jwt_secret")
			}
			ttl, err := cfg.TokenTTL()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				token, err := server.SignToken(secret, userID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{Use: "order", Short: "Inspect orders"}
	order.AddCommand(orderListCmd())
	order.AddCommand(orderShowCmd())
	return order
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orders, err := r.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Platform", "Pickup", "Delivery", "Fee", "Courier"})
				for _, o := range orders {
					courier := ""
					if o.CourierID != nil {
						courier = *o.CourierID
					}
					tw.AppendRow(table.Row{o.ID, o.Status, o.PickupPlatform, o.PickupLocation, o.DeliveryLocation, o.TotalFee(), courier})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Platform, "platform", "", "platform filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator id filter")
	cmd.Flags().StringVar(&f.CourierID, "courier", "", "courier id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var afterID int64
	var n int
	var orderID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.EventsAfter(ctx, n, afterID, orderID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "only events after this id")
	cmd.Flags().StringVar(&orderID, "order", "", "order id filter")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, engine.New(r.DB))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
