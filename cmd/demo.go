package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/krau/clipworker/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	demoTexts     []string
	demoModel     string
	demoDevice    string
	demoBatchSize int
)

var demoCmd = &cobra.Command{
	Use:   "demo [images...]",
	Short: "Load a model, embed the given images and prompts, print the records",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().StringSliceVar(&demoTexts, "text", []string{"a photo of a cat", "a beautiful sunset"}, "prompts to embed")
	demoCmd.Flags().StringVar(&demoModel, "model", "", "model name (default model_clip)")
	demoCmd.Flags().StringVar(&demoDevice, "device", "", "device (default device)")
	demoCmd.Flags().IntVar(&demoBatchSize, "batch-size", 0, "batch size (default batch_size)")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	start := server.StartData{ModelClip: demoModel, Device: demoDevice, BatchSize: demoBatchSize}
	script, err := demoScript(start, args, demoTexts, func() string { return uuid.NewString() })
	if err != nil {
		return err
	}
	logger.Debug("demo script", zap.ByteString("jobs", script))

	srv, cleanup := newServer(cmd.Context(), cfg, logger, cmd.OutOrStdout())
	defer cleanup()
	return srv.Run(cmd.Context(), bytes.NewReader(script))
}

// demoScript builds the job lines a parent process would send: start, then
// one image job and one text job with fresh msgids.
func demoScript(start server.StartData, images, texts []string, newID func() string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	write := func(msgid, event string, data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return enc.Encode(server.Job{MsgID: msgid, Event: event, Data: raw})
	}

	if err := write("", server.EventStart, start); err != nil {
		return nil, fmt.Errorf("encode start: %w", err)
	}
	if len(images) > 0 {
		if err := write(newID(), server.EventImageEmbed, server.ImageData{Filepaths: images}); err != nil {
			return nil, fmt.Errorf("encode image job: %w", err)
		}
	}
	if len(texts) > 0 {
		if err := write(newID(), server.EventTextEmbed, map[string][]string{"text": texts}); err != nil {
			return nil, fmt.Errorf("encode text job: %w", err)
		}
	}
	return buf.Bytes(), nil
}
