package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"forgeline/internal/app"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
	"forgeline/internal/server"
	"forgeline/internal/tickets"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline turns a feature request into tickets and drives each one through
remote coding agents: a PM agent plans, a DEV agent implements, a QA agent reviews.
- Workspace: the .forgeline directory holding the SQLite database, next to forgeline.yml.
- Run: one pipeline execution with a persisted state and timeline (fl run status).
- Tickets: an epic per run with child tickets; a ticket starts only when its dependencies are done.
- Defects: QA issues become bug tickets that block the reviewed ticket.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user recorded on new runs")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(remoteCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create forgeline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			project := viper.GetString("project")
			if project == "" {
				return fmt.Errorf("--project required")
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Initialized %s (database %s)\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	c := &cobra.Command{Use: "run", Short: "Start and inspect pipeline runs"}
	c.AddCommand(runStartCmd())
	c.AddCommand(runStatusCmd())
	c.AddCommand(runListCmd())
	c.AddCommand(runCancelCmd())
	return c
}

func runStartCmd() *cobra.Command {
	var req engine.StartRequest
	var follow bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the pipeline for a feature request and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Request == "" && len(args) > 0 {
				req.Request = strings.Join(args, " ")
			}
			opts := app.Options{Workspace: viper.GetString("workspace")}
			if follow && !viper.GetBool("json") {
				opts.Sinks = append(opts.Sinks, events.SinkFunc(printEntry))
			}
			return withAppOptions(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				project, err := app.ResolveProject(a.Config, viper.GetString("project"))
				if err != nil {
					return err
				}
				req.ProjectID = project
				req.UserID = viper.GetString("user-id")
				h, err := a.Engine.Start(ctx, req)
				if err != nil {
					return err
				}
				if !follow {
					fmt.Fprintf(os.Stderr, "run %s started\n", h.RunID)
				}
				if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
					shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					if serr := a.Engine.Shutdown(shutdown); serr != nil {
						return errors.Join(err, serr)
					}
				}
				run, err := a.Engine.GetRunStatus(context.Background(), h.RunID)
				if err != nil {
					return err
				}
				if err := printRun(run, !follow); err != nil {
					return err
				}
				if run.State == domain.RunFailed {
					return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Request, "request", "", "feature request text")
	cmd.Flags().StringVar(&req.Repository, "repository", "", "repository URL")
	cmd.Flags().StringVar(&req.Ref, "ref", "", "base branch or commit")
	cmd.Flags().BoolVar(&follow, "follow", false, "print timeline entries as they happen")
	_ = cmd.MarkFlagRequired("repository")
	return cmd
}

func runStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.GetRunStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run, true)
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				project, err := app.ResolveProject(a.Config, viper.GetString("project"))
				if err != nil {
					return err
				}
				runs, err := a.Engine.ListRuns(ctx, project, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Outcome", "Created", "Request"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.State, r.Outcome, r.CreatedAt, truncate(r.Request, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Mark a run cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.CancelRun(ctx, args[0]); err != nil {
					return err
				}
				run, err := a.Engine.GetRunStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run, false)
			})
		},
	}
}

func ticketCmd() *cobra.Command {
	c := &cobra.Command{Use: "ticket", Short: "Inspect tickets"}
	c.AddCommand(ticketListCmd())
	c.AddCommand(ticketShowCmd())
	c.AddCommand(ticketTreeCmd())
	return c
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilter
	var statuses []string
	var ticketType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				project, err := app.ResolveProject(a.Config, viper.GetString("project"))
				if err != nil {
					return err
				}
				f.ProjectID = project
				f.Type = domain.TicketType(ticketType)
				f.Statuses = nil
				for _, s := range statuses {
					st := domain.TicketStatus(strings.TrimSpace(s))
					if !tickets.ValidStatus(st) {
						return fmt.Errorf("unknown status %q", s)
					}
					f.Statuses = append(f.Statuses, st)
				}
				list, err := a.Repo.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Type", "Status", "Title", "Depends on", "Blocks"})
				keys := ticketKeys(list)
				for _, t := range list {
					deps := make([]string, 0, len(t.Dependencies))
					for _, d := range t.Dependencies {
						deps = append(deps, keyOr(keys, d))
					}
					blocks := ""
					if t.Blocks != nil {
						blocks = keyOr(keys, *t.Blocks)
					}
					tw.AppendRow(table.Row{t.Key, t.Type, t.Status, truncate(t.Title, 50), strings.Join(deps, ","), blocks})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "run id filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent ticket id")
	cmd.Flags().StringVar(&ticketType, "type", "", "type filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum tickets")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and whether it can start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g := tickets.Graph{Store: a.Repo}
				t, err := a.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				canStart, err := g.CanStart(ctx, t.ID)
				if err != nil {
					return err
				}
				blocked, err := g.IsBlocked(ctx, t.ID)
				if err != nil {
					return err
				}
				children, err := g.ChildrenOf(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					ids := make([]string, 0, len(children))
					for _, c := range children {
						ids = append(ids, c.ID)
					}
					return printJSON(map[string]any{"ticket": t, "can_start": canStart, "blocked": blocked, "children": ids})
				}
				fmt.Printf("%s  %s  [%s %s]\n", t.Key, t.Title, t.Type, t.Status)
				if t.Description != "" {
					fmt.Printf("\n%s\n\n", t.Description)
				}
				fmt.Printf("can start: %t  blocked: %t  children: %d\n", canStart, blocked, len(children))
				if t.Branch != "" {
					fmt.Printf("branch: %s\n", t.Branch)
				}
				if t.PRURL != "" {
					fmt.Printf("pull request: %s\n", t.PRURL)
				}
				for _, c := range t.AcceptanceCriteria {
					mark := " "
					if c.Completed {
						mark = "x"
					}
					fmt.Printf("[%s] %s\n", mark, c.Description)
				}
				return nil
			})
		},
	}
}

func ticketTreeCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "tree [root-ticket-id]",
		Short: "Print the ticket hierarchy of a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rootID := ""
				if len(args) == 1 {
					rootID = args[0]
				}
				if rootID == "" {
					if runID == "" {
						return fmt.Errorf("pass a root ticket id or --run")
					}
					run, err := a.Engine.GetRunStatus(ctx, runID)
					if err != nil {
						return err
					}
					rootID = run.RootTicketID
				}
				root, err := a.Repo.GetTicket(ctx, rootID)
				if err != nil {
					return err
				}
				list, err := a.Repo.ListTickets(ctx, repo.TicketFilter{ProjectID: root.ProjectID, RunID: root.RunID})
				if err != nil {
					return err
				}
				children := map[string][]domain.Ticket{}
				for _, t := range list {
					if t.ParentID != nil {
						children[*t.ParentID] = append(children[*t.ParentID], t)
					}
				}
				fmt.Printf("%s %s [%s]\n", root.Key, root.Title, root.Status)
				kids := children[root.ID]
				for i, c := range kids {
					printTicketTree(c, children, "", i == len(kids)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run whose root ticket to print")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{LocalUser: viper.GetString("user-id")}
				if env := a.Config.Server.JWTSecretEnv; env != "" {
					authCfg.JWTSecret = os.Getenv(env)
				}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("no JWT secret configured; API is unauthenticated")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, Tickets: a.Repo, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					fmt.Printf("Serving forgeline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					return errors.Join(srv.Shutdown(shutdown), a.Engine.Shutdown(shutdown))
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withAppOptions(ctx, app.Options{Workspace: viper.GetString("workspace")}, fn)
}

func withAppOptions(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printRun(run domain.Run, timeline bool) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s  %s", run.ID, run.State)
	if run.Outcome != "" {
		fmt.Printf(" (%s)", run.Outcome)
	}
	fmt.Println()
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}
	if len(run.StalledTickets) > 0 {
		fmt.Printf("stalled tickets: %s\n", strings.Join(run.StalledTickets, ", "))
	}
	if !timeline {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Time", "Phase", "State", "Level", "Message"})
	for _, e := range run.Timeline {
		tw.AppendRow(table.Row{e.Seq, e.Timestamp, e.Phase, e.State, e.Level, truncate(e.Message, 70)})
	}
	tw.Render()
	return nil
}

func printEntry(_ context.Context, _ string, e domain.TimelineEntry) error {
	state := ""
	if e.State != "" {
		state = " -> " + string(e.State)
	}
	_, err := fmt.Printf("%s %-4s %-7s %s%s\n", e.Timestamp, e.Phase, e.Level, e.Message, state)
	return err
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printTicketTree(t domain.Ticket, children map[string][]domain.Ticket, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s]\n", prefix, connector, t.Key, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTicketTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}

func ticketKeys(list []domain.Ticket) map[string]string {
	out := make(map[string]string, len(list))
	for _, t := range list {
		out[t.ID] = t.Key
	}
	return out
}

func keyOr(keys map[string]string, id string) string {
	if k, ok := keys[id]; ok {
		return k
	}
	return id
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
