package cmd

import (
	"fmt"
	"io"

	"github.com/krau/clipworker/onnx"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models available in models_dir",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return listModels(cmd.OutOrStdout(), cfg.ModelsDir)
	},
}

func listModels(w io.Writer, dir string) error {
	models, err := onnx.AvailableModels(dir)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Fprintf(w, "no models in %s\n", dir)
		return nil
	}
	for _, m := range models {
		fmt.Fprintln(w, m)
	}
	return nil
}
