package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"metecho/internal/app"
	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/domain"
	"metecho/internal/engine"
	"metecho/internal/logging"
	"metecho/internal/notify"
	"metecho/internal/repo"
	"metecho/internal/server"
	metechosdk "metecho/sdk/go"
)

var settings = config.New()

var rootCmd = &cobra.Command{
	Use:   "metecho",
	Short: "Metecho workflow backend",
	Long: `Metecho tracks Salesforce development work against a GitHub repository.
- Project: one repository and its default branch.
- Epic: a feature branch grouping tasks; its status follows its tasks and pull request.
- Task: a unit of work on its own branch, reviewed through a pull request.
- Scratch org: a Salesforce org attached to a project, epic or task.
GitHub webhooks and background jobs keep the records in step with the repository.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(settings.GetString("workspace")); err != nil {
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
	if file := settings.GetString("config"); file != "" {
		settings.SetConfigFile(file)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default ./metecho.yaml)")
	rootCmd.PersistentFlags().String("actor-id", "", "user id recorded on changes")
	_ = settings.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = settings.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = settings.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("actor_id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(configCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ScopeActive)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"ID", "Slug", "Repository", "Branch", "Head"}, func(tw table.Writer) {
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Slug, p.RepoOwner + "/" + p.RepoName, p.BranchName, shortSHA(p.LatestSHA)})
					}
				})
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var name, desc, owner, repoName, branch string
	var repoID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || owner == "" || repoName == "" {
				return fmt.Errorf("--name, --owner and --repo required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectCreateOptions{
					Name:        name,
					Description: desc,
					RepoOwner:   owner,
					RepoName:    repoName,
					BranchName:  branch,
					ActorID:     actorID(),
				}
				if repoID != 0 {
					opts.RepoID = &repoID
				}
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository name")
	cmd.Flags().Int64Var(&repoID, "repo-id", 0, "GitHub repository id")
	cmd.Flags().StringVar(&branch, "branch", "", "default branch (read from GitHub when empty)")
	return cmd
}

func epicCmd() *cobra.Command {
	ep := &cobra.Command{Use: "epic", Short: "Manage epics"}
	ep.AddCommand(epicListCmd())
	ep.AddCommand(epicDeleteCmd())
	return ep
}

func epicListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List epics of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEpics(ctx, repo.EpicFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"ID", "Slug", "Status", "Branch", "PR"}, func(tw table.Writer) {
					for _, ep := range items {
						tw.AppendRow(table.Row{ep.ID, ep.Slug, ep.Status, ep.BranchName, prLabel(ep.PRNumber, ep.PRIsOpen)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func epicDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete an epic with its tasks and orgs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DeleteEpic(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var projectID, epicID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID: projectID,
					EpicID:    epicID,
					Status:    domain.TaskStatus(status),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, table.Row{"ID", "Slug", "Status", "Branch", "PR", "Review"}, func(tw table.Writer) {
					for _, t := range items {
						review := "-"
						if t.ReviewValid {
							review = string(t.ReviewStatus)
						}
						tw.AppendRow(table.Row{t.ID, t.Slug, t.Status, t.BranchName, prLabel(t.PRNumber, t.PRIsOpen), review})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0], repo.ScopeActive)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var username, email, githubToken, devhub string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user, optionally linked to a GitHub account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := domain.User{
					ID:             uuid.NewString(),
					Username:       username,
					Email:          email,
					DevhubUsername: devhub,
					CreatedAt:      time.Now().UTC(),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
					return fmt.Errorf("insert user: %w", err)
				}
				if githubToken != "" {
					if err := e.Repo.UpsertSocialAccount(ctx, tx, domain.SocialAccount{
						ID:       uuid.NewString(),
						UserID:   u.ID,
						Provider: domain.ProviderGitHub,
						UID:      username,
						Token:    githubToken,
					}); err != nil {
						return fmt.Errorf("link github account: %w", err)
					}
				}
				if err := e.Notifier.Changed(ctx, tx, notify.User(u), actorID()); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&githubToken, "github-token", "", "GitHub OAuth token")
	cmd.Flags().StringVar(&devhub, "devhub-username", "", "Salesforce devhub username")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			cfg, err := config.Load(settings)
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func hookCmd() *cobra.Command {
	h := &cobra.Command{Use: "hook", Short: "Work with GitHub webhooks"}
	h.AddCommand(hookSendCmd())
	return h
}

func hookSendCmd() *cobra.Command {
	var baseURL, event, file string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver a signed webhook payload to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if event == "" || file == "" {
				return fmt.Errorf("--event and --file required")
			}
			cfg, err := config.Load(settings)
			if err != nil {
				return err
			}
			var payload []byte
			if file == "-" {
				payload, err = io.ReadAll(os.Stdin)
			} else {
				payload, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return fmt.Errorf("%s: payload is not valid JSON", file)
			}
			if baseURL == "" {
				baseURL = "http://" + cfg.HTTPAddr
			}
			client := metechosdk.New(baseURL, "")
			if err := client.DeliverWebhook(cmd.Context(), event, cfg.GitHubWebhookSecret, payload); err != nil {
				return err
			}
			fmt.Println("delivered", event)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "server URL (default http://<http_addr>)")
	cmd.Flags().StringVar(&event, "event", "", "GitHub event name, e.g. push")
	cmd.Flags().StringVar(&file, "file", "", "payload file, - for stdin")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration without secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(settings)
			if err != nil {
				return err
			}
			if settings.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfgCmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(settings)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logging.L())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actorID() string {
	return settings.GetString("actor_id")
}

func printJSONOrTable(v any, header table.Row, rows func(table.Writer)) error {
	if settings.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	rows(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func prLabel(number *int, open bool) string {
	if number == nil {
		return "-"
	}
	state := "closed"
	if open {
		state = "open"
	}
	return fmt.Sprintf("#%d (%s)", *number, state)
}
