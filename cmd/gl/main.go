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

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
	"gateline/internal/server"
	"gateline/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline tracks initiatives through six stage gates (l0..l5) with
role-based approval rounds and derived financial totals.
- Workspace: your .gateline directory holding the database; gateline.yml holds roles and the approver matrix.
- Workstream: a portfolio grouping that carries the approver-role matrix per gate.
- Initiative: the tracked record; every write is guarded by an expected version.
- Stages: each gate carries its own payload and financial entries; totals are always recomputed, never stored.
- Approvals: submitting a gate opens a round, one row per approver role; unanimity approves, any rejection is terminal, any return hands the gate back.
- Event log: diary of changes, view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workstreamCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func workstreamCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workstream", Short: "Manage workstreams"}
	ws.AddCommand(workstreamCreateCmd())
	ws.AddCommand(workstreamListCmd())
	ws.AddCommand(workstreamShowCmd())
	return ws
}

func workstreamCreateCmd() *cobra.Command {
	var id, name, rolesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws := domain.Workstream{ID: id, Name: name}
				if rolesJSON != "" {
					if err := json.Unmarshal([]byte(rolesJSON), &ws.ApproverRoles); err != nil {
						return fmt.Errorf("invalid --approver-roles-json: %w", err)
					}
				}
				created, err := e.CreateWorkstream(ctx, ws, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workstream id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&rolesJSON, "approver-roles-json", "", `approver matrix JSON, e.g. {"l0":["portfolio-lead"]}`)
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workstreamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workstreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkstreams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, ws := range items {
					tw.AppendRow(table.Row{ws.ID, ws.Name, ws.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workstreamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show workstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ws, err := r.GetWorkstream(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage the account directory"}
	acc.AddCommand(accountAddCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	return acc
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountAddCmd() *cobra.Command {
	var a domain.Account
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EnsureAccount(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "account id")
	cmd.Flags().StringVar(&a.Name, "name", "", "display name")
	cmd.Flags().StringVar(&a.Email, "email", "", "email")
	cmd.Flags().StringSliceVar(&a.Roles, "roles", []string{}, "approver roles held")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func accountListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Roles"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, strings.Join(a.Roles, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{
		Use:   "initiative",
		Short: "Manage initiatives",
		Long:  "Initiatives move l0 -> l5 one gate at a time. Updates are full replacements guarded by --expected-version; a conflict means someone else wrote first, so re-fetch and retry.",
	}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	ini.AddCommand(initiativeUpdateCmd())
	ini.AddCommand(initiativeDeleteCmd())
	ini.AddCommand(initiativeAdvanceCmd())
	ini.AddCommand(initiativeSubmitCmd())
	return ini
}

func parseStagesFlag(raw string) (service.StageMapInput, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, err
		}
	}
	var stages service.StageMapInput
	if err := json.Unmarshal(data, &stages); err != nil {
		return nil, fmt.Errorf("invalid stages JSON: %w", err)
	}
	return stages, nil
}

func initiativeCreateCmd() *cobra.Command {
	var opts service.CreateOptions
	var stagesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStagesFlag(stagesJSON)
			if err != nil {
				return err
			}
			opts.Stages = stages
			opts.ActorID = viper.GetString("actor-id")
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "initiative id (generated when empty)")
	cmd.Flags().StringVar(&opts.WorkstreamID, "workstream", "", "workstream id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "initiative name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.OwnerAccountID, "owner-id", "", "owner account id")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner display name")
	cmd.Flags().StringVar(&opts.CurrentStatus, "status", "", "free-form status note")
	cmd.Flags().StringVar(&opts.L4Date, "l4-date", "", "planned l4 date")
	cmd.Flags().StringVar(&stagesJSON, "stages-json", "", "stage payloads as JSON (or @file)")
	_ = cmd.MarkFlagRequired("workstream")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var f repo.InitiativeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				items, err := s.ListInitiatives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Workstream", "Stage", "Version", "Impact"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Name, in.WorkstreamID, in.ActiveStage, in.Version, fmt.Sprintf("%.2f", in.Totals.RecurringImpact)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkstreamID, "workstream", "", "workstream filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "active stage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show initiative with totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func initiativeUpdateCmd() *cobra.Command {
	var opts service.UpdateOptions
	var stagesJSON string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace initiative (optimistic concurrency)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStagesFlag(stagesJSON)
			if err != nil {
				return err
			}
			opts.Stages = stages
			opts.ActorID = viper.GetString("actor-id")
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.UpdateInitiative(ctx, args[0], opts, expectedVersion)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkstreamID, "workstream", "", "workstream id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "initiative name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.OwnerAccountID, "owner-id", "", "owner account id")
	cmd.Flags().StringVar(&opts.OwnerName, "owner-name", "", "owner display name")
	cmd.Flags().StringVar(&opts.CurrentStatus, "status", "", "free-form status note")
	cmd.Flags().StringVar(&opts.L4Date, "l4-date", "", "planned l4 date")
	cmd.Flags().StringVar(&stagesJSON, "stages-json", "", "stage payloads as JSON (or @file)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "version this update is based on")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func initiativeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete initiative (approvals remain as audit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				id, err := s.RemoveInitiative(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": id})
			})
		},
	}
	return cmd
}

func initiativeAdvanceCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance to the next gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.AdvanceStage(ctx, args[0], target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage (defaults to the next gate)")
	return cmd
}

func initiativeSubmitCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a gate for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.SubmitStage(ctx, args[0], stage, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "gate to submit (l0..l5)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func approvalCmd() *cobra.Command {
	app := &cobra.Command{
		Use:   "approval",
		Short: "Work the approval queue",
		Long:  "Each submitted gate opens a round with one row per approver role. Unanimous approval flips the gate; any rejection is terminal; any return hands it back to the owner.",
	}
	app.AddCommand(approvalListCmd())
	app.AddCommand(approvalDecideCmd())
	return app
}

func approvalListCmd() *cobra.Command {
	var f engine.ApprovalTaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovalTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Initiative", "Stage", "Round", "Role", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.InitiativeID, a.Stage, a.Round, a.Role, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, approved, returned, rejected)")
	cmd.Flags().StringVar(&f.AccountID, "account", "", "only tasks for this account's roles")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var decision, account, comment string
	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Decide a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s service.Service) error {
				res, err := s.DecideApproval(ctx, engine.DecideOptions{
					ApprovalID: args[0],
					Decision:   domain.Decision(decision),
					AccountID:  account,
					Comment:    comment,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, return, or reject")
	cmd.Flags().StringVar(&account, "account", "", "deciding account (must hold the approval's role)")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage gateline.yml",
		Long:  "gateline.yml holds the role catalog, the default approver matrix seeded onto new workstreams, and server settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var workstream, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, workstream, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&workstream, "workstream", "", "workstream filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeaderAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			secret := os.Getenv("GATELINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" && !allowHeaderAuth {
				return fmt.Errorf("GATELINE_JWT_SECRET is required unless --allow-header-auth is set")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg, nil)
			handler, err := server.New(server.Config{
				Service:  service.New(e),
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowAccountHeader: allowHeaderAuth},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&allowHeaderAuth, "allow-header-auth", false, "accept X-Account-Id header instead of JWT (local use)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, nil))
}

func withService(ctx context.Context, fn func(context.Context, service.Service) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, service.New(e))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
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
