package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderag-io/coderag/internal/config"
	"github.com/coderag-io/coderag/internal/lifecycle"
	"github.com/coderag-io/coderag/internal/ui"
)

// newDoctorCmd reports the state of the embedding backend and the model.
func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the embedding backend and model availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			styles := ui.AutoStyles()

			cfg, err := config.LoadOrDefault(".")
			if err != nil {
				return err
			}

			manager := lifecycle.NewManager(lifecycle.Config{Model: cfg.Embedding.Model})

			fmt.Println(styles.Header.Render("coderag doctor"))
			fmt.Printf("  backend url: %s\n", manager.BaseURL())

			if !manager.IsRunning(ctx) {
				fmt.Printf("  backend:     %s\n", styles.Warning.Render("not responding"))
				fmt.Println()
				fmt.Println(lifecycle.InstallInstructions())
				return nil
			}
			fmt.Printf("  backend:     %s\n", styles.Success.Render("healthy"))

			model := cfg.Embedding.Model
			has, err := manager.HasModel(ctx, model)
			if err != nil {
				return err
			}
			if has {
				fmt.Printf("  model %-16s %s\n", model+":", styles.Success.Render("available"))
			} else {
				fmt.Printf("  model %-16s %s\n", model+":",
					styles.Warning.Render("missing (pulled automatically on first index)"))
			}

			return nil
		},
	}
	return cmd
}
