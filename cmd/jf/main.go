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

	"jobforge/internal/ckan"
	"jobforge/internal/config"
	"jobforge/internal/db"
	"jobforge/internal/engine"
	"jobforge/internal/migrate"
	"jobforge/internal/repo"
	"jobforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jf",
	Short: "Jobforge CLI",
	Long: `Jobforge manages Jenkins job descriptors as data.
- Workspace: your .jobforge directory holding the catalog database; the
  jobforge.yml config is imported into it explicitly.
- Catalog: a named set of job descriptors sharing one GitHub owner and
  credential configuration.
- Build job: a multibranch pipeline descriptor covering branches, recent
  tags, and origin pull requests of one repository.
- Deploy job: a single pipeline descriptor that checks out the
  infrastructure repository and runs its deploy script.
- Render: turn a descriptor into a Job DSL script, deterministically.
- Plan/apply: compare the current rendering against the last applied
  snapshot, then record what was handed to the seed-job processor.
- Event log: diary of changes, view with 'jf log tail'.`,
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
	viper.SetEnvPrefix("JOBFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("catalog", "", "catalog id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("catalog", rootCmd.PersistentFlags().Lookup("catalog"))
}

func registerCommands() {
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(seedDataCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage catalogs"}
	cat.AddCommand(catalogInitCmd())
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogShowCmd())
	cat.AddCommand(catalogStatusCmd())
	return cat
}

func catalogInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Catalog.ID = id
			e := engine.New(conn, cfg)
			c, err := e.InitCatalog(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "catalog id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func catalogListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCatalogs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCatalog(ctx, e.Config.Catalog.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func catalogStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCatalog(ctx, e.Config.Catalog.ID)
				if err != nil {
					return err
				}
				jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{CatalogID: c.ID})
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, j := range jobs {
					counts[j.Kind]++
				}
				out := map[string]any{
					"catalog_id": c.ID,
					"status":     c.Status,
					"job_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Catalog: %s (%s)\n", c.ID, c.Status)
				fmt.Println("Jobs:")
				for kind, n := range counts {
					fmt.Printf("  %s: %d\n", kind, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect catalog config",
		Long:  "Config carries the variable coordinates: GitHub owner, credential ids, script paths, and the infrastructure repository. Policy constants (tag window, retention, log rotation) are fixed.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
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

func configInitCmd() *cobra.Command {
	var catalogID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jobforge.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(catalogID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogID, "id", "default", "catalog id")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import catalog config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			catalogID := cfg.Catalog.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if catalogID == "" {
					catalogID = e.Config.Catalog.ID
				}
				if err := e.Repo.UpsertCatalogConfig(ctx, catalogID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
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

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage job descriptors",
		Long:  "Job descriptors are the data behind the Jenkins jobs: a multibranch build job per repository, and a deploy job pairing the application with the infrastructure repository.",
	}
	job.AddCommand(jobDefineBuildCmd())
	job.AddCommand(jobDefineDeployCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobRenderCmd())
	job.AddCommand(jobPlanCmd())
	job.AddCommand(jobApplyCmd())
	job.AddCommand(jobDeleteCmd())
	return job
}

func jobDefineBuildCmd() *cobra.Command {
	var opts engine.BuildJobOptions
	cmd := &cobra.Command{
		Use:   "define-build",
		Short: "Define a multibranch build job",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CatalogID == "" {
					opts.CatalogID = e.Config.Catalog.ID
				}
				j, err := e.DefineBuildJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CatalogID, "catalog", "", "catalog id")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "GitHub owner (defaults to config)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&opts.Name, "name", "", "job name (defaults to <CamelRepo>-build)")
	cmd.Flags().StringVar(&opts.ScriptPath, "script-path", "", "Jenkinsfile path (defaults to config)")
	cmd.Flags().StringVar(&opts.APICredentialsID, "api-credentials-id", "", "GitHub API credentials id")
	cmd.Flags().StringVar(&opts.SSHCredentialsID, "ssh-credentials-id", "", "SSH checkout credentials id")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func jobDefineDeployCmd() *cobra.Command {
	var opts engine.DeployJobOptions
	cmd := &cobra.Command{
		Use:   "define-deploy",
		Short: "Define a deploy job",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CatalogID == "" {
					opts.CatalogID = e.Config.Catalog.ID
				}
				j, err := e.DefineDeployJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CatalogID, "catalog", "", "catalog id")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "GitHub owner (defaults to config)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "application repository name")
	cmd.Flags().StringVar(&opts.Name, "name", "", "job name (defaults to <CamelRepo>-deploy)")
	cmd.Flags().StringVar(&opts.InfrastructureRepo, "infrastructure-repo", "", "infrastructure repository (defaults to config)")
	cmd.Flags().StringVar(&opts.ScriptPath, "script-path", "", "deploy script path (defaults to config)")
	cmd.Flags().StringVar(&opts.SSHCredentialsID, "ssh-credentials-id", "", "SSH credentials id")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.CatalogID == "" {
					f.CatalogID = e.Config.Catalog.ID
				}
				jobs, err := e.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Kind", "Repository", "Updated"})
				for _, j := range jobs {
					repoName := ""
					switch {
					case j.Build != nil:
						repoName = j.Build.Repository.Name
					case j.Deploy != nil && len(j.Deploy.Remotes) > 0:
						repoName = j.Deploy.Remotes[0].URL
					}
					tw.AppendRow(table.Row{j.Name, j.Kind, repoName, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CatalogID, "catalog", "", "catalog id")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (build, deploy)")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a job descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobRenderCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "render <name>",
		Short: "Render a job to Job DSL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				script, err := e.RenderJob(ctx, name)
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, []byte(script), 0o644)
				}
				fmt.Print(script)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write script to file instead of stdout")
	return cmd
}

func jobPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <name>",
		Short: "Plan a job against its applied snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PlanJob(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s: %s\n", p.JobName, p.Action)
				return nil
			})
		},
	}
	return cmd
}

func jobApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <name>",
		Short: "Record the current rendering as applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applied, err := e.ApplyJob(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				fmt.Printf("applied %s (%s)\n", applied.JobName, applied.Checksum[:12])
				return nil
			})
		},
	}
	return cmd
}

func jobDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a job descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteJob(ctx, name, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func seedCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Render every job in the catalog into one seed script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				script, err := e.RenderSeed(ctx, e.Config.Catalog.ID)
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, []byte(script), 0o644)
				}
				fmt.Print(script)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write script to file instead of stdout")
	return cmd
}

func seedDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-data",
		Short: "Load demo data into the configured CKAN instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c := e.Config.CKAN
				if c.URL == "" {
					return fmt.Errorf("ckan.url not configured")
				}
				if c.APIKey == "" {
					return fmt.Errorf("ckan.api_key not configured")
				}
				client := ckan.NewClient(c.URL, c.APIKey)
				loader := ckan.NewLoader(client, c, viper.GetString("workspace"))
				return loader.Run(ctx)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: catalog inits, job definitions, applies, and deletions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Catalog.ID, evtType, entityKind, entityID)
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
			cfg, err := resolveConfig(cmd.Context(), workspace, repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("JOBFORGE_JWT_SECRET"),
				AllowAnonymous: os.Getenv("JOBFORGE_JWT_SECRET") == "",
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Jobforge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key created (shown once): %s\n", plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := make([]map[string]any, 0, len(keys))
				for _, k := range keys {
					out = append(out, map[string]any{
						"id":         k.ID,
						"name":       k.Name,
						"created_at": k.CreatedAt,
					})
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

// resolveConfig prefers the config stored in the catalog DB; a jobforge.yml
// in the workspace is the fallback for workspaces without an initialized
// catalog.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	catalogID := strings.TrimSpace(viper.GetString("catalog"))
	if catalogID == "" {
		if c, err := r.SingleCatalog(ctx); err == nil {
			catalogID = c.ID
		}
	}
	if catalogID != "" {
		if cfg, err := r.GetCatalogConfig(ctx, catalogID); err == nil {
			cfg.Catalog.ID = catalogID
			return cfg, nil
		}
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if catalogID != "" {
			cfg.Catalog.ID = catalogID
		}
		return cfg, nil
	}
	if catalogID == "" {
		catalogID = "default"
	}
	return config.Default(catalogID), nil
}

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
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
