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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redline/internal/app"
	"redline/internal/config"
	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/engine/auth"
	"redline/internal/mail"
	"redline/internal/outbox"
	"redline/internal/repo"
	"redline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Redline CLI",
	Long: `Redline manages contribution drafts, review annotations and agreement signatures.
Core concepts:
- Workspace: your .redline directory holding the database; settings live in redline.yml.
- Contribution: one contributor's article submission, from pitch to published.
- Review: admins annotate character ranges of the draft and approve, reject or request changes.
- Agreement: a versioned legal document a contributor signs, capped at a fixed number of distinct versions; every accepted signature lands in an append-only ledger.
- Outbox: accepted signatures queue a job that renders the signed document, hashes it and mails it.
- Event log: diary of changes, view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("REDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("email", "", "actor email")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("email", rootCmd.PersistentFlags().Lookup("email"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(contributionCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: agreement catalog and current version, contribution defaults, mail relay and the admin list. Stored as redline.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default redline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func contributionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contribution",
		Short: "Manage contributions",
		Long:  "Contributions flow pitch -> draft -> review -> approved/changes_requested/rejected, with changes_requested looping back to draft. Saves are autosave-friendly: an unknown id falls back to creating a fresh record.",
	}
	c.AddCommand(contributionSaveCmd())
	c.AddCommand(contributionListCmd())
	c.AddCommand(contributionShowCmd())
	c.AddCommand(contributionHistoryCmd())
	return c
}

func contributionSaveCmd() *cobra.Command {
	var in engine.SaveProgressInput
	var draftFile string
	var signVersion, authorName, fiscalCode string
	var accept bool
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save contribution progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if draftFile != "" {
				data, err := os.ReadFile(draftFile)
				if err != nil {
					return err
				}
				in.DraftContent = string(data)
			}
			if signVersion != "" {
				in.Agreement = &engine.AgreementSubmission{
					Version:         signVersion,
					CheckboxGeneral: accept,
					Checkbox1341:    accept,
					AuthorName:      authorName,
					FiscalCode:      fiscalCode,
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SaveProgress(ctx, cliPrincipal(e), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.ContributionID, "id", "", "contribution id (omit to create)")
	cmd.Flags().StringVar(&in.Status, "status", "", "new status")
	cmd.Flags().StringVar(&in.CurrentStep, "step", "", "workflow step label")
	cmd.Flags().StringVar(&in.Path, "path", "", "content path")
	cmd.Flags().StringVar(&in.Language, "language", "", "content language")
	cmd.Flags().StringVar(&in.Brief, "brief", "", "brief")
	cmd.Flags().StringVar(&in.InterviewHistory, "interview", "", "interview history")
	cmd.Flags().StringVar(&in.DraftContent, "draft", "", "draft text")
	cmd.Flags().StringVar(&draftFile, "draft-file", "", "read draft text from file")
	cmd.Flags().StringVar(&signVersion, "sign-version", "", "agreement version to sign")
	cmd.Flags().StringVar(&authorName, "author-name", "", "legal name for the signature")
	cmd.Flags().StringVar(&fiscalCode, "fiscal-code", "", "fiscal code for the signature")
	cmd.Flags().BoolVar(&accept, "accept", false, "accept both agreement checkboxes")
	return cmd
}

func contributionListCmd() *cobra.Command {
	var contributor, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := contributionFilters(contributor, status, limit)
				items, err := e.Repo.ListContributions(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Contributor", "Status", "Step", "Path", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ContributorID, c.Status, c.CurrentStep, c.Path, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contributor, "contributor", "", "contributor filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func contributionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContribution(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contributionHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.Repo.ListStatusHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Step", "Changed at", "Changed by"})
				for _, h := range history {
					tw.AppendRow(table.Row{h.Status, h.CurrentStep, h.ChangedAt, h.ChangedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Review contributions",
		Long:  "Admins annotate character ranges of a draft and apply approve/reject/changes decisions. Annotations are permanent; the review note is scratch space and gets overwritten.",
	}
	r.AddCommand(reviewAnnotateCmd())
	r.AddCommand(reviewActionCmd("approve", "Approve a contribution"))
	r.AddCommand(reviewActionCmd("reject", "Reject a contribution"))
	r.AddCommand(reviewActionCmd("changes", "Request changes"))
	r.AddCommand(reviewSegmentsCmd())
	return r
}

func reviewAnnotateCmd() *cobra.Command {
	var start, end int
	var note string
	cmd := &cobra.Command{
		Use:   "annotate <id>",
		Short: "Annotate a draft range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				annotations, err := e.AddAnnotation(ctx, cliPrincipal(e), id, start, end, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(annotations)
			})
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "start offset (runes)")
	cmd.Flags().IntVar(&end, "end", 0, "end offset (runes, exclusive)")
	cmd.Flags().StringVar(&note, "note", "", "annotation note")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func reviewActionCmd(action, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ApplyReviewAction(ctx, cliPrincipal(e), id, action, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note")
	return cmd
}

func reviewSegmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segments <id>",
		Short: "Render draft highlight segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				segments, err := e.Segments(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(segments)
				}
				for _, s := range segments {
					if s.Highlighted {
						fmt.Printf("[%s](%s)", s.Text, s.Note)
					} else {
						fmt.Print(s.Text)
					}
				}
				fmt.Println()
				return nil
			})
		},
	}
	return cmd
}

func agreementCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agreement",
		Short: "Inspect agreements",
		Long:  "The signed-agreement ledger is the source of truth for which versions a contributor signed. The document subcommand renders the same bytes the signer was mailed.",
	}
	a.AddCommand(agreementVersionsCmd())
	a.AddCommand(agreementLedgerCmd())
	a.AddCommand(agreementDocumentCmd())
	return a
}

func agreementVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List agreement versions in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				type row struct {
					Version string `json:"version"`
					Title   string `json:"title"`
					Current bool   `json:"current"`
				}
				var rows []row
				for v, av := range e.Config.Agreements.Catalog {
					rows = append(rows, row{Version: v, Title: av.Title, Current: v == e.Config.Agreements.CurrentVersion})
				}
				return printJSONOrTable(rows)
			})
		},
	}
	return cmd
}

func agreementLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger <contributor-id>",
		Short: "List a contributor's signed agreements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contributor := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.ListSignedAgreements(ctx, contributor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Accepted at", "Name", "Email", "Hash"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.Version, r.AcceptedAt, r.AuthorName, r.AuthorEmail, r.HashSHA256})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agreementDocumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document <contribution-id>",
		Short: "Render the signed agreement document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.AgreementDocument(ctx, id)
				if err != nil {
					return err
				}
				fmt.Print(string(doc))
				return nil
			})
		},
	}
	return cmd
}

func outboxCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "outbox",
		Short: "Signature job queue",
	}
	o.AddCommand(outboxRunCmd())
	return o
}

func outboxRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending signature jobs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := outbox.Dispatcher{Engine: e, Sender: mailSender(e.Config), BaseURL: e.Config.Service.BaseURL}
				d.DispatchPending(ctx)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := newAPIKey(ctx, e, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Printf("API key %s created for %s\nKey (shown once): %s\n", key.ID, key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: saves, annotations, review decisions and signatures.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REDLINE_JWT_SECRET"), DevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			outbox.Start(e, mailSender(e.Config), e.Config.Service.BaseURL)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Redline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, conn, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func cliPrincipal(e engine.Engine) auth.Principal {
	actorID := viper.GetString("actor-id")
	email := viper.GetString("email")
	admin := false
	if e.Config != nil {
		admin = e.Config.IsAdmin(email) || e.Config.IsAdmin(actorID)
	}
	return auth.Principal{ActorID: actorID, Email: email, Admin: admin}
}

func mailSender(cfg *config.Config) mail.Sender {
	if cfg == nil || strings.TrimSpace(cfg.Mail.Endpoint) == "" {
		return nil
	}
	return mail.HTTPSender{
		Endpoint: cfg.Mail.Endpoint,
		Secret:   cfg.Mail.Secret,
	}
}

func contributionFilters(contributor, status string, limit int) repo.ContributionFilters {
	return repo.ContributionFilters{
		ContributorID: contributor,
		Status:        status,
		Limit:         limit,
	}
}

func newAPIKey(ctx context.Context, e engine.Engine, actor, name string) (domain.APIKey, string, error) {
	plaintext := uuid.NewString()
	key := domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: strings.TrimSpace(actor),
		Name:    name,
		KeyHash: repo.HashAPIKey(plaintext),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
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
