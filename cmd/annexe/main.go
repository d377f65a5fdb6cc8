package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annexe/internal/config"
	"annexe/internal/ctxlog"
	"annexe/internal/db"
	"annexe/internal/domain"
	"annexe/internal/engine"
	"annexe/internal/engine/auth"
	"annexe/internal/importer"
	"annexe/internal/migrate"
	"annexe/internal/repo"
	"annexe/internal/statprovider"
)

var rootCmd = &cobra.Command{
	Use:   "annexe",
	Short: "Annexe mission engine CLI",
	Long: `Annexe runs branching-narrative missions for role-playing characters.
- Missions are graphs of steps linked by choices, authored in JSON, YAML or HCL and imported with 'annexe import'.
- A character plays one mission at a time: start a session, walk the choices, then resolve once the time is over.
- Resolution draws win or fail from the mission, character and choice percentages and records statistics.
- Every change is written to the event log ('annexe events tail').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(viper.GetString("log-format"), viper.GetString("log-level"))
		slog.SetDefault(logger)
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
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
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ANNEXE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/annexe.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringSlice("role", []string{auth.DefaultAdminRole}, "actor roles")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "role", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(villageCmd())
	rootCmd.AddCommand(characterCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default annexe.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			before, err := migrate.Current(cmd.Context(), conn.DB)
			if err != nil {
				return err
			}
			if err := migrate.MigrateContext(cmd.Context(), conn.DB); err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			fmt.Printf("%s: schema version %d -> %d\n", db.Path(workspace), before, latest)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a mission graph (.json, .yaml, .hcl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := importer.ParseFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportMission(ctx, actor(), doc)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Inspect missions"}
	var rank, village string
	list := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r domain.Rank
			if rank != "" {
				parsed, err := domain.ParseRank(rank)
				if err != nil {
					return err
				}
				r = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, actor(), r, village)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Rank", "Title", "Percent", "Cash", "Villages")
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Rank, m.Title, m.PercentMission, m.Cash, strings.Join(m.Villages, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&rank, "rank", "", "rank filter (C, B, A, S)")
	list.Flags().StringVar(&village, "village", "", "village filter")

	graph := &cobra.Command{
		Use:   "graph <mission-id>",
		Short: "Show a mission graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.MissionGraph(ctx, actor(), id)
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	m.AddCommand(list, graph)
	return m
}

func villageCmd() *cobra.Command {
	v := &cobra.Command{Use: "village", Short: "Manage villages"}
	v.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List villages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVillages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Name, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "create <name>",
		Short: "Create a village",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateVillage(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	})
	return v
}

func characterCmd() *cobra.Command {
	c := &cobra.Command{Use: "character", Short: "Manage characters"}

	var in engine.CharacterInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a character",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ch, err := e.CreateCharacter(ctx, actor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(ch)
			})
		},
	}
	create.Flags().Int64Var(&in.ExternalID, "external-id", 0, "id of the character in the game")
	create.Flags().StringVar(&in.Name, "name", "", "character name")
	create.Flags().StringVar(&in.Village, "village", "", "character village")
	create.Flags().IntVar(&in.Level, "level", 1, "level")
	create.Flags().IntVar(&in.Cash, "cash", 0, "starting cash")
	create.Flags().StringSliceVar(&in.Owners, "owner", nil, "owning actor ids")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("village")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List characters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCharacters(ctx, actor(), owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "External", "Name", "Village", "Level", "Cash")
				for _, ch := range items {
					tw.AppendRow(table.Row{ch.ID, ch.ExternalID, ch.Name, ch.Village, ch.Level, ch.Cash})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "owner actor id")

	show := &cobra.Command{
		Use:   "show <character-id | full name>",
		Short: "Show a character",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					ch  domain.Character
					err error
				)
				if id, perr := parseID(args[0]); perr == nil && len(args) == 1 {
					ch, err = e.GetCharacter(ctx, actor(), id)
				} else {
					ch, err = e.GetCharacterByName(ctx, actor(), strings.Join(args, " "))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(ch)
			})
		},
	}

	link := &cobra.Command{
		Use:   "link <character-id> <actor-id>",
		Short: "Grant an actor ownership of a character",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.LinkCharacter(ctx, actor(), id, args[1])
			})
		},
	}
	c.AddCommand(create, list, show, link)
	return c
}

func statsCmd() *cobra.Command {
	s := &cobra.Command{Use: "stats", Short: "Mission statistics"}
	s.AddCommand(&cobra.Command{
		Use:   "show <character-id>",
		Short: "Win/fail counters per rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RankStats(ctx, actor(), id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Rank", "Win", "Fail")
				for _, st := range items {
					tw.AppendRow(table.Row{st.Rank, st.Win, st.Fail})
				}
				tw.Render()
				return nil
			})
		},
	})

	var limit int
	var cursor int64
	records := &cobra.Command{
		Use:   "records",
		Short: "Admin audit of resolved missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStatAdminRecords(ctx, actor(), limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Mission", "Rank", "Village", "Character", "Mission %", "Character %", "Choice %", "Result")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.MissionName, r.MissionRank, r.MissionVillage, r.CharacterName, r.PercentMission, r.PercentCharacter, r.PercentChoice, r.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	records.Flags().IntVar(&limit, "limit", 50, "max records")
	records.Flags().Int64Var(&cursor, "cursor", 0, "return records after this id")
	s.AddCommand(records)
	return s
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, actor(), repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	ev.AddCommand(tail)
	return ev
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage bot API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key bound to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actor(), args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("API key %s for %s\nSecret (shown once): %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, actor(), owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, key := range items {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "actor", "", "filter by actor")

	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, actor(), args[0])
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

// --- helpers ---

func actor() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Roles: viper.GetStringSlice("role")}
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	stats, err := statprovider.FromConfig(cfg.StatProvider)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, stats))
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
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

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "over"
	}
	return d.Truncate(time.Second).String()
}
