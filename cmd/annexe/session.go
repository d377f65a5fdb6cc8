package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annexe/internal/domain"
	"annexe/internal/engine"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Play a mission for a character"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionStepCmd())
	s.AddCommand(sessionChooseCmd())
	s.AddCommand(sessionResolveCmd())
	s.AddCommand(sessionAbandonCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var rank string
	cmd := &cobra.Command{
		Use:   "start <character-id>",
		Short: "Start a mission of the given rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := domain.ParseRank(rank)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.StartSession(ctx, actor(), id, r); err != nil {
					return err
				}
				return printSession(ctx, e, id)
			})
		},
	}
	cmd.Flags().StringVar(&rank, "rank", "C", "mission rank (C, B, A, S)")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <character-id>",
		Short: "Show the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printSession(ctx, e, id)
			})
		},
	}
}

func sessionStepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step <character-id>",
		Short: "Show the current step and its choices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.CurrentStep(ctx, actor(), id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(step)
				}
				fmt.Println(step.Step.Description)
				if step.Terminal {
					fmt.Println("(end of the path: resolve once the time is over)")
					return nil
				}
				tw := newTable("Choice", "Sentence")
				for _, c := range step.Choices {
					tw.AppendRow(table.Row{c.ID, c.Sentence})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionChooseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "choose <character-id> <choice-id>",
		Short: "Take a choice from the current step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			choiceID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyChoice(ctx, actor(), id, choiceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Took %q (score %+d, time %+d min)\n", res.Choice.Sentence, res.Effect.ScoreDelta, res.Effect.TimeDelta)
				for _, failed := range res.Effect.FailedConditions {
					fmt.Printf("  condition not met: %s\n", failed)
				}
				return nil
			})
		},
	}
}

func sessionResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <character-id>",
		Short: "Draw the outcome of a finished mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Resolve(ctx, actor(), id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s: %s (%d%%)\n", out.Mission.Title, out.Result, out.FinalPercent)
				if out.Finality.Description != "" {
					fmt.Println(out.Finality.Description)
				}
				if out.CashGranted > 0 {
					fmt.Printf("Cash granted: %d\n", out.CashGranted)
				}
				return nil
			})
		},
	}
}

func sessionAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <character-id>",
		Short: "Drop the active session without an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AbandonSession(ctx, actor(), id)
			})
		},
	}
}

func printSession(ctx context.Context, e engine.Engine, characterID int64) error {
	view, err := e.SessionView(ctx, actor(), characterID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(view)
	}
	fmt.Printf("Mission %d: %s (rank %s)\n", view.Mission.ID, view.Mission.Title, view.Mission.Rank)
	fmt.Printf("Ends at %s, time left %s\n", view.EndTime.Format(time.RFC3339), formatDuration(time.Duration(view.TimeLeftSeconds)*time.Second))
	fmt.Printf("Percent: mission %d, character %d, choices %+d\n", view.Mission.PercentMission, view.Session.PercentCharacter, view.Session.PercentChoice)
	return nil
}
