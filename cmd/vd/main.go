package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"verdant/internal/app"
	"verdant/internal/config"
	"verdant/internal/db"
	"verdant/internal/domain"
	"verdant/internal/engine"
	"verdant/internal/repo"
	"verdant/internal/server"
	"verdant/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "vd",
	Short: "Verdant CLI",
	Long: `Verdant diagnoses plant health from photos and tracks treatment plans.
- Workspace: your .verdant directory holding the database and stored images.
- Diagnose: upload a photo, get a vision-model diagnosis, and a day-by-day
  treatment plan derived from its recommendations.
- Plants: list, inspect, and delete diagnosed plants; deleting a plant
  removes its treatments too.
- Treatments: mark steps done as you work through the plan.
- Event log: diary of changes, view with 'vd log tail'.`,
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
	viper.SetEnvPrefix("VERDANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
}

func registerCommands() {
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(plantCmd())
	rootCmd.AddCommand(treatmentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func diagnoseCmd() *cobra.Command {
	var fallback bool
	var noFallback bool
	cmd := &cobra.Command{
		Use:   "diagnose <image-path>",
		Short: "Diagnose a plant photo and create its treatment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imagePath := args[0]
			image, err := os.ReadFile(imagePath)
			if err != nil {
				return err
			}
			ext := strings.TrimPrefix(filepath.Ext(imagePath), ".")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				allowFallback := e.Config.Oracle.Fallback
				if cmd.Flags().Changed("fallback") {
					allowFallback = fallback
				}
				if noFallback {
					allowFallback = false
				}
				var progress engine.ProgressFunc
				if !viper.GetBool("json") {
					progress = func(stage engine.Stage, percent int) {
						fmt.Printf("%3d%% %s\n", percent, stage)
					}
				}
				p, err := e.CreatePlantFromImage(ctx, engine.CreatePlantOptions{
					OwnerID:       viper.GetString("owner-id"),
					Image:         image,
					Ext:           ext,
					AllowFallback: allowFallback,
					Progress:      progress,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPlant(p)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fallback, "fallback", false, "use the general-care diagnosis if the oracle is unreachable")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail instead of falling back when the oracle is unreachable")
	return cmd
}

func plantCmd() *cobra.Command {
	plant := &cobra.Command{
		Use:   "plant",
		Short: "Manage diagnosed plants",
	}
	plant.AddCommand(plantListCmd())
	plant.AddCommand(plantShowCmd())
	plant.AddCommand(plantDeleteCmd())
	return plant
}

func plantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plants, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPlants(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Confidence", "Issues", "Created"})
				for _, p := range items {
					name := ""
					if p.Name != nil {
						name = *p.Name
					}
					confidence := ""
					issues := 0
					if p.Diagnosis != nil {
						confidence = fmt.Sprintf("%.2f", p.Diagnosis.Confidence)
						issues = len(p.Diagnosis.Issues)
					}
					tw.AppendRow(table.Row{p.ID, name, confidence, issues, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func plantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a plant with its treatment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPlant(ctx, viper.GetString("owner-id"), id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPlant(p)
				return nil
			})
		},
	}
	return cmd
}

func plantDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plant and its treatments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePlant(ctx, viper.GetString("owner-id"), id)
			})
		},
	}
	return cmd
}

func treatmentCmd() *cobra.Command {
	treatment := &cobra.Command{
		Use:   "treatment",
		Short: "Manage treatment steps",
	}
	treatment.AddCommand(treatmentDoneCmd())
	treatment.AddCommand(treatmentUndoCmd())
	return treatment
}

func treatmentDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a treatment step completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTreatmentCompleted(cmd.Context(), args[0], true)
		},
	}
	return cmd
}

func treatmentUndoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo <id>",
		Short: "Mark a treatment step not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTreatmentCompleted(cmd.Context(), args[0], false)
		},
	}
	return cmd
}

func setTreatmentCompleted(ctx context.Context, id string, completed bool) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		t, err := e.CompleteTreatment(ctx, viper.GetString("owner-id"), id, completed)
		if err != nil {
			return err
		}
		return printJSONOrIndent(t)
	})
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "vd_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				OwnerID:   viper.GetString("owner-id"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": secret})
				}
				fmt.Printf("API key %s created. Store the secret now; it is not retrievable later.\n", key.ID)
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("owner-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the current owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := config.JWTSecret()
			if secret == "" {
				return fmt.Errorf("VERDANT_JWT_SECRET is not set")
			}
			token, err := server.MintToken(secret, viper.GetString("owner-id"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
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
		Short: "Write a default verdant.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
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
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
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
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetString("owner-id"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
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
			e, closer, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer closer()
			authCfg := server.AuthConfig{
				JWTSecret:        config.JWTSecret(),
				AllowOwnerHeader: e.Config.Server.AllowOwnerHeader,
				EnableDevLogin:   devLogin,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowOwnerHeader {
				return fmt.Errorf("VERDANT_JWT_SECRET is required unless server.allow_owner_header is enabled")
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				BasePath:  basePath,
				Auth:      authCfg,
				ImagesDir: storage.ImagesDir(workspace),
			})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && e.Config.Server.Addr != "" {
				addr = e.Config.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Verdant API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login for minting JWTs")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closer, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func printPlant(p domain.Plant) {
	name := ""
	if p.Name != nil {
		name = *p.Name
	}
	fmt.Printf("Plant: %s (%s)\n", name, p.ID)
	fmt.Printf("Image: %s\n", p.ImageURL)
	if p.Diagnosis != nil {
		fmt.Printf("Confidence: %.2f\n", p.Diagnosis.Confidence)
		for _, issue := range p.Diagnosis.Issues {
			fmt.Printf("Issue [%s]: %s - %s\n", issue.Severity, issue.Name, issue.Description)
		}
		for _, tip := range p.Diagnosis.DisplayCareTips() {
			fmt.Printf("Tip (%s): %s - %s\n", tip.Icon, tip.Title, tip.Description)
		}
	}
	if len(p.Treatments) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Date", "Treatment", "Done"})
	for _, t := range p.Treatments {
		done := ""
		if t.Completed {
			done = "x"
		}
		tw.AppendRow(table.Row{t.Step, t.Date, t.Description, done})
	}
	tw.Render()
}

func printJSONOrIndent(v any) error {
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
