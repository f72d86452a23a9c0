package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"biasflow/internal/app"
	"biasflow/internal/config"
	"biasflow/internal/convert"
	"biasflow/internal/db"
	"biasflow/internal/domain"
	"biasflow/internal/engine"
	"biasflow/internal/migrate"
	"biasflow/internal/repo"
	"biasflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bf",
	Short: "Biasflow CLI",
	Long: `Biasflow walks a team through a five-stage bias assessment backed by a card deck.
- Workspace: your .biasflow directory with the database; biasflow.yml holds the settings.
- Session: one assessment of one system against one deck.
- Stage 1 (risk categorization): sort biases into high/medium/low/needs-discussion.
- Stage 2 (lifecycle mapping): pin each relevant bias to ML lifecycle stages.
- Stage 3 (rationale): write down why a bias matters where you pinned it.
- Stage 4 (mitigation pairing): pair mitigation cards with risky biases.
- Stage 5 (implementation plan): rate and track each chosen mitigation.
- Gates: 'bf advance' checks the current stage is complete; --force skips the check.
- Event log: diary of changes, view with 'bf log tail'.`,
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
	viper.SetEnvPrefix("BIASFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "bypass stage gates")
	rootCmd.PersistentFlags().String("session", "", "session id (defaults to the only stored session)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(deckCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(mapCmd())
	rootCmd.AddCommand(unmapCmd())
	rootCmd.AddCommand(rationaleCmd())
	rootCmd.AddCommand(mitigateCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(gotoCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage assessment sessions"}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionDeleteCmd())
	s.AddCommand(sessionResetCmd())
	s.AddCommand(sessionUseCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assessment session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.CreateSession(ctx, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Deck", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.DeckID + "@" + s.DeckVersion, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				a, warnings, err := e.GetSession(ctx, sessionID)
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(a.ExportSnapshot())
			})
		},
	}
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				return e.DeleteSession(ctx, sessionID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func sessionResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all item records and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.ResetSession(ctx, sessionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func sessionUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default session for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			if sessionID == "" {
				return fmt.Errorf("session id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "BIASFLOW_SESSION", sessionID); err != nil {
				return err
			}
			fmt.Printf("Set BIASFLOW_SESSION=%s in %s/.env\n", sessionID, workspace)
			return nil
		},
	}
	return cmd
}

func deckCmd() *cobra.Command {
	d := &cobra.Command{Use: "deck", Short: "Inspect the loaded card deck"}
	d.AddCommand(deckListCmd())
	d.AddCommand(deckShowCmd())
	return d
}

func deckListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deck cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards := e.Catalog.All()
				switch kind {
				case "bias":
					cards = e.Catalog.Biases()
				case "mitigation":
					cards = e.Catalog.Mitigations()
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				meta := e.Catalog.Metadata()
				fmt.Printf("Deck: %s@%s\n", meta.ID, meta.Version)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Category"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Kind, c.Name, c.Category})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (bias, mitigation)")
	return cmd
}

func deckShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <ref>",
		Short: "Show one card by id, legacy id, or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, ok := e.Catalog.Resolve(args[0])
				if !ok {
					return fmt.Errorf("card %q not found in deck", args[0])
				}
				card, _ := e.Catalog.Get(id)
				return printJSONOrTable(card)
			})
		},
	}
	return cmd
}

func riskCmd() *cobra.Command {
	r := &cobra.Command{Use: "risk", Short: "Stage 1: risk categorization"}
	var category string
	assign := &cobra.Command{
		Use:   "assign <item>",
		Short: "Assign a risk category to an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.AssignRisk(ctx, sessionID, args[0], domain.RiskCategory(category), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	assign.Flags().StringVar(&category, "category", "", "high, medium, low, or needs-discussion")
	_ = assign.MarkFlagRequired("category")
	clear := &cobra.Command{
		Use:   "clear <item>",
		Short: "Clear an item's risk category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.ClearRisk(ctx, sessionID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	r.AddCommand(assign, clear)
	return r
}

func mapCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "map <item>",
		Short: "Stage 2: map an item to a lifecycle stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.MapStage(ctx, sessionID, args[0], domain.LifecycleStage(stage), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "lifecycle stage slug")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func unmapCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "unmap <item>",
		Short: "Remove an item from a lifecycle stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.UnmapStage(ctx, sessionID, args[0], domain.LifecycleStage(stage), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "lifecycle stage slug")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func rationaleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rationale", Short: "Stage 3: per-stage rationale"}
	var stage, text string
	set := &cobra.Command{
		Use:   "set <item>",
		Short: "Record rationale for an item at a lifecycle stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.SetRationale(ctx, sessionID, args[0], domain.LifecycleStage(stage), text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	set.Flags().StringVar(&stage, "stage", "", "lifecycle stage slug")
	set.Flags().StringVar(&text, "text", "", "rationale text")
	_ = set.MarkFlagRequired("stage")
	_ = set.MarkFlagRequired("text")
	var clearStage string
	clear := &cobra.Command{
		Use:   "clear <item>",
		Short: "Clear rationale for an item at a lifecycle stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.ClearRationale(ctx, sessionID, args[0], domain.LifecycleStage(clearStage), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	clear.Flags().StringVar(&clearStage, "stage", "", "lifecycle stage slug")
	_ = clear.MarkFlagRequired("stage")
	r.AddCommand(set, clear)
	return r
}

func mitigateCmd() *cobra.Command {
	m := &cobra.Command{Use: "mitigate", Short: "Stage 4: mitigation pairing"}
	var stage, mitigation string
	attach := &cobra.Command{
		Use:   "attach <item>",
		Short: "Pair a mitigation with an item at a lifecycle stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.AttachMitigation(ctx, sessionID, args[0], domain.LifecycleStage(stage), mitigation, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	attach.Flags().StringVar(&stage, "stage", "", "lifecycle stage slug")
	attach.Flags().StringVar(&mitigation, "mitigation", "", "mitigation card id")
	_ = attach.MarkFlagRequired("stage")
	_ = attach.MarkFlagRequired("mitigation")
	var dStage, dMitigation string
	detach := &cobra.Command{
		Use:   "detach <item>",
		Short: "Remove a mitigation pairing (notes are kept as orphans)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.DetachMitigation(ctx, sessionID, args[0], domain.LifecycleStage(dStage), dMitigation, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	detach.Flags().StringVar(&dStage, "stage", "", "lifecycle stage slug")
	detach.Flags().StringVar(&dMitigation, "mitigation", "", "mitigation card id")
	_ = detach.MarkFlagRequired("stage")
	_ = detach.MarkFlagRequired("mitigation")
	m.AddCommand(attach, detach)
	return m
}

func noteCmd() *cobra.Command {
	n := &cobra.Command{Use: "note", Short: "Stage 5: implementation notes"}
	var stage, mitigation, status, text, due, assignee string
	var rating int
	set := &cobra.Command{
		Use:   "set <item>",
		Short: "Record an implementation note for a pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				note := domain.ImplementationNote{
					EffectivenessRating: rating,
					Status:              domain.NoteStatus(status),
					FreeText:            text,
					DueDate:             due,
					Assignee:            assignee,
				}
				snap, err := e.SetNote(ctx, sessionID, args[0], domain.LifecycleStage(stage), mitigation, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	set.Flags().StringVar(&stage, "stage", "", "lifecycle stage slug")
	set.Flags().StringVar(&mitigation, "mitigation", "", "mitigation card id")
	set.Flags().IntVar(&rating, "rating", 0, "effectiveness rating 1-5")
	set.Flags().StringVar(&status, "status", "", "planned, in-progress, or implemented")
	set.Flags().StringVar(&text, "text", "", "free text")
	set.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	set.Flags().StringVar(&assignee, "assignee", "", "assignee")
	_ = set.MarkFlagRequired("stage")
	_ = set.MarkFlagRequired("mitigation")
	_ = set.MarkFlagRequired("rating")
	var cStage, cMitigation string
	clear := &cobra.Command{
		Use:   "clear <item>",
		Short: "Remove an implementation note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				snap, err := e.ClearNote(ctx, sessionID, args[0], domain.LifecycleStage(cStage), cMitigation, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItem(snap, args[0])
			})
		},
	}
	clear.Flags().StringVar(&cStage, "stage", "", "lifecycle stage slug")
	clear.Flags().StringVar(&cMitigation, "mitigation", "", "mitigation card id")
	_ = clear.MarkFlagRequired("stage")
	_ = clear.MarkFlagRequired("mitigation")
	n.AddCommand(set, clear)
	return n
}

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the workflow one stage (gated; --force skips the gate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				state, err := e.Advance(ctx, sessionID, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func gotoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goto <stage>",
		Short: "Move to a workflow stage (1-5); backward moves are always free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("stage must be a number 1-5")
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				state, err := e.GoToStage(ctx, sessionID, target, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the gate state of all five workflow stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				stages, err := e.Status(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Name", "Complete", "Current"})
				for _, s := range stages {
					marker := ""
					if s.Current {
						marker = "*"
					}
					tw.AppendRow(table.Row{s.Stage, s.Name, s.Complete, marker})
				}
				tw.Render()
				for _, s := range stages {
					for _, w := range s.Warnings {
						fmt.Printf("stage %d: %s\n", s.Stage, w)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the full validator over the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				report, err := e.Validate(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				for _, f := range report.Errors {
					fmt.Printf("error [%s] %s\n", f.Type, f.Message)
				}
				for _, f := range report.Warnings {
					fmt.Printf("warning [%s] %s\n", f.Type, f.Message)
				}
				if !report.OK() {
					return fmt.Errorf("%d validation error(s)", len(report.Errors))
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show weighted completeness metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				m, err := e.Progress(ctx, sessionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("assessed:     %d%%\n", m.Assessed)
				fmt.Printf("mapped:       %d%%\n", m.Mapped)
				fmt.Printf("rationale:    %d%%\n", m.RationalePresent)
				fmt.Printf("mitigated:    %d%%\n", m.Mitigated)
				fmt.Printf("implemented:  %d%%\n", m.Implemented)
				fmt.Printf("overall:      %d%%\n", m.OverallCompleteness)
				return nil
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var generation int
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the session at a chosen snapshot generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				raw, warnings, err := e.Export(ctx, sessionID, convert.Generation(generation))
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				if out == "" {
					fmt.Println(string(raw))
					return nil
				}
				return os.WriteFile(out, raw, 0o644)
			})
		},
	}
	cmd.Flags().IntVar(&generation, "generation", 3, "snapshot generation (1, 2, or 3)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a snapshot of any supported generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, warnings, err := e.Import(ctx, raw, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to snapshot JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail session events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, sessionID string) error {
				events, err := e.Repo.ListEvents(ctx, sessionID, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	init := &cobra.Command{
		Use:   "init",
		Short: "Write a default biasflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	check := &cobra.Command{
		Use:   "validate",
		Short: "Validate biasflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	c.AddCommand(init, show, check)
	return c
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	var actor, name, raw string
	create := &cobra.Command{
		Use:   "create",
		Short: "Store a hashed API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if raw == "" {
					raw = fmt.Sprintf("bf_%d", time.Now().UnixNano())
				}
				key, err := r.CreateAPIKey(ctx, actor, name, raw)
				if err != nil {
					return err
				}
				fmt.Println("api key (store it now, only the hash is kept):", raw)
				return printJSONOrTable(key)
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&raw, "key", "", "raw key value (generated when omitted)")
	_ = create.MarkFlagRequired("actor")
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	a.AddCommand(create, del)
	return a
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cat, err := app.LoadCatalog(cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, cat, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        cfg.Server.JWTSecret,
				AllowActorHeader: cfg.Server.AllowActorHeader,
			}
			if secret := os.Getenv("BIASFLOW_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
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
			fmt.Printf("Serving biasflow API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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
	cat, err := app.LoadCatalog(cfg)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cat, cfg))
}

func withSession(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		sessionID, err := app.ResolveSession(ctx, viper.GetString("session"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, sessionID)
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

func printItem(snap domain.Snapshot, itemID string) error {
	if item, ok := snap.Items[itemID]; ok {
		return printJSONOrTable(item)
	}
	return printJSONOrTable(snap)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
