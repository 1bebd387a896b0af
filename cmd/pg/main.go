package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pricegate/internal/app"
	"pricegate/internal/config"
	"pricegate/internal/db"
	"pricegate/internal/domain"
	"pricegate/internal/engine"
	"pricegate/internal/logger"
	"pricegate/internal/migrate"
	"pricegate/internal/repo"
	"pricegate/internal/server"
	"pricegate/internal/workflow"
	pricegatesdk "pricegate/sdk/go"
)

var closeLog func() error

var rootCmd = &cobra.Command{
	Use:   "pg",
	Short: "pricegate CLI",
	Long: `pricegate checks vendor prices with an external validation engine before
committing them to the ledger.
- Catalog: products keyed by commodity, state, district and market.
- Validation engine: a script launched through the first working interpreter; it answers accept or reject.
- Ledger: current price per product plus an append-only history.
- Submission: resolve the product, verify the price, commit only on accept.
- Event log: every registration, price change and submission, view with 'pg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		closer, err := logger.Setup(logger.Config{
			Workspace: workspace,
			Debug:     viper.GetBool("debug"),
			Stderr:    cmd.Name() == "serve",
		})
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		closeLog = closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRICEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", app.DefaultActor, "actor identifier")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/pricegate.yml)")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(submissionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func addSelectionFlags(cmd *cobra.Command, sel *domain.Selection) {
	cmd.Flags().StringVar(&sel.Commodity, "commodity", "", "commodity")
	cmd.Flags().StringVar(&sel.State, "state", "", "state")
	cmd.Flags().StringVar(&sel.District, "district", "", "district")
	cmd.Flags().StringVar(&sel.Market, "market", "", "market")
}

func parsePrice(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q", raw)
	}
	return v, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("addr") {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")}
				if authCfg.JWTSecret == "" {
					logger.L().Warn("serve.auth_disabled", "hint", "set PRICEGATE_JWT_SECRET to require bearer tokens")
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     authCfg,
					RateLimit: server.RateLimitConfig{
						PerMinute: e.Config.Server.RateLimit.PerMinute,
						Burst:     e.Config.Server.RateLimit.Burst,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e.Repo, e.Config.Webhooks, nil)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving pricegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from config)")
	return cmd
}

func submitCmd() *cobra.Command {
	var sel domain.Selection
	var remote, token string
	cmd := &cobra.Command{
		Use:   "submit <price>",
		Short: "Verify a price and commit it to the ledger on acceptance",
		Long: `Resolves the selection to a product, asks the validation engine for a verdict and
commits the price only when the verdict is accept. With --remote the catalog and
ledger are reached through a pricegate server while the engine runs locally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parsePrice(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if remote != "" {
					client := newRemoteClient(remote, token)
					e.Catalog = remoteCatalog{client: client}
					e.Ledger = remoteLedger{client: client}
				}
				out, err := e.Submit(ctx, workflow.Submission{Selection: sel, Price: price})
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	addSelectionFlags(cmd, &sel)
	cmd.Flags().StringVar(&remote, "remote", "", "pricegate server URL for catalog and ledger")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --remote (or PRICEGATE_TOKEN)")
	return cmd
}

func printOutcome(out workflow.Outcome) error {
	if viper.GetBool("json") {
		trail := make([]string, 0, len(out.Trail))
		for _, s := range out.Trail {
			trail = append(trail, string(s))
		}
		doc := map[string]any{
			"id":      out.ID,
			"status":  string(out.State),
			"message": out.Message,
			"trail":   trail,
		}
		if out.ProductID != "" {
			doc["blockchainProductId"] = out.ProductID
		}
		if out.Verdict != nil {
			doc["mlResult"] = out.Verdict.Document()
		}
		return printJSON(doc)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Submission", out.ID})
	tw.AppendRow(table.Row{"Status", out.State})
	tw.AppendRow(table.Row{"Message", out.Message})
	if out.ProductID != "" {
		tw.AppendRow(table.Row{"Ledger product", out.ProductID})
	}
	if out.Verdict != nil && out.Verdict.ReferencePrice != nil {
		tw.AppendRow(table.Row{"Modal price", *out.Verdict.ReferencePrice})
	}
	tw.Render()
	return nil
}

func checkCmd() *cobra.Command {
	var sel domain.Selection
	cmd := &cobra.Command{
		Use:   "check <price>",
		Short: "Ask the validation engine for a verdict without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parsePrice(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Check(ctx, sel, price)
				if err != nil {
					return err
				}
				return printJSON(v.Document())
			})
		},
	}
	addSelectionFlags(cmd, &sel)
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Manage catalog products",
	}
	cat.AddCommand(catalogAddCmd())
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogMatchCmd())
	cat.AddCommand(catalogOptionsCmd())
	return cat
}

func catalogAddCmd() *cobra.Command {
	var sel domain.Selection
	var ledgerID string
	var price float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a product and open its ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RegisterProduct(ctx, domain.Product{
					Commodity: sel.Commodity,
					State:     sel.State,
					District:  sel.District,
					Market:    sel.Market,
					LedgerID:  ledgerID,
					Price:     price,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	addSelectionFlags(cmd, &sel)
	cmd.Flags().StringVar(&ledgerID, "ledger-id", "", "ledger product id (defaults to the catalog id)")
	cmd.Flags().Float64Var(&price, "price", 0, "opening ledger price")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func catalogListCmd() *cobra.Command {
	var f repo.ProductFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products with their ledger price",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProducts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ledger ID", "Commodity", "State", "District", "Market", "Price", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.LedgerID, p.Commodity, p.State, p.District, p.Market, p.Price, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Commodity, "commodity", "", "commodity filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.District, "district", "", "district filter")
	cmd.Flags().IntVar(&f.Limit, "n", 100, "max products")
	return cmd
}

func catalogMatchCmd() *cobra.Command {
	var sel domain.Selection
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Resolve a selection to its product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sel.Complete() {
				return errors.New("--commodity, --state, --district and --market are required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.MatchProduct(ctx, sel)
				if errors.Is(err, repo.ErrNotFound) {
					return errors.New(workflow.MsgNoMatchingProduct)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	addSelectionFlags(cmd, &sel)
	return cmd
}

func catalogOptionsCmd() *cobra.Command {
	var sel domain.Selection
	cmd := &cobra.Command{
		Use:   "options",
		Short: "List values for the first selection level not given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				level, values, err := e.Options(ctx, sel)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"level": level, "values": values})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{strings.ToUpper(level[:1]) + level[1:]})
				for _, v := range values {
					tw.AppendRow(table.Row{v})
				}
				tw.Render()
				return nil
			})
		},
	}
	addSelectionFlags(cmd, &sel)
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and update ledger prices",
	}
	l.AddCommand(ledgerHistoryCmd())
	l.AddCommand(ledgerUpdateCmd())
	return l
}

func ledgerHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <ledger-product-id>",
		Short: "Show price history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.PriceHistory(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Old", "New", "Actor"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.CreatedAt, u.OldPrice, u.NewPrice, u.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func ledgerUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <ledger-product-id> <price>",
		Short: "Write a price straight to the ledger, skipping validation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parsePrice(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				receipt, err := e.CommitPrice(ctx, domain.CommitRequest{ProductID: args[0], NewPrice: price})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(receipt)
				}
				fmt.Println(receipt.Message)
				return nil
			})
		},
	}
	return cmd
}

func submissionsCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "submissions",
		Short: "Inspect recorded submissions",
	}
	s.AddCommand(submissionsListCmd())
	s.AddCommand(submissionsShowCmd())
	return s
}

func submissionsListCmd() *cobra.Command {
	var f repo.SubmissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubmissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Actor", "Market", "Price", "Status", "Message"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CreatedAt, s.ActorID, s.Market, s.Price, s.Status, s.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (done, rejected, failed)")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of submissions")
	return cmd
}

func submissionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every product registration, ledger price change and recorded submission.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "pricegate.yml says which interpreters launch the validation engine, which script it runs and how the API server listens.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "path": path, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Println("no config file, defaults OK")
				return nil
			}
			fmt.Printf("config OK (%s)\n", path)
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pricegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id using PRICEGATE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt_secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "actor_id": viper.GetString("actor-id")})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, _, err := app.ResolveConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg, workspace)
	ctx = app.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, e)
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

func newRemoteClient(baseURL, token string) *pricegatesdk.Client {
	c := pricegatesdk.New(baseURL)
	c.ActorID = viper.GetString("actor-id")
	if token == "" {
		token = viper.GetString("token")
	}
	c.BearerToken = token
	return c
}
