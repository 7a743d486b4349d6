package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"voxgate/pkg/config"
	"voxgate/pkg/transcribe"

	"github.com/spf13/cobra"
)

// transcribeCmd runs a one-shot transcription of a local audio file using
// the configured speech-to-text model. Useful for checking API credentials
// and model choice before pointing a channel at the gateway.
var transcribeCmd = &cobra.Command{
	Use:   "transcribe [file]",
	Short: "Transcribe a local audio file",
	Long:  "Loads VoxGate configuration and transcribes one local audio file with the configured speech-to-text model.",
	Run: func(cmd *cobra.Command, args []string) {
		path, err := resolveAudioPath(args)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		client, err := transcribe.NewOpenAIClient(cfg.Transcription)
		if err != nil {
			fmt.Printf("failed to initialize transcription: %v\n", err)
			return
		}

		text, err := client.Transcribe(context.Background(), path)
		if err != nil {
			fmt.Printf("transcription failed: %v\n", err)
			return
		}

		fmt.Println(text)
	},
}

func init() {
	rootCmd.AddCommand(transcribeCmd)
}

func resolveAudioPath(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: voxgate transcribe <file>")
	}

	path := strings.TrimSpace(args[0])
	if path == "" {
		return "", fmt.Errorf("usage: voxgate transcribe <file>")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	return path, nil
}
