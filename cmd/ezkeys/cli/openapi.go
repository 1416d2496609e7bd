package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ezkeys/ezkeys/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3 document for the ezkeys HTTP API. The demo endpoint is
included only when demo key material is enabled in the configuration.`,
		Example: `  ezkeys openapi                # print to stdout
  ezkeys openapi -o openapi.json # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}

func runOpenAPI(outputFile string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	doc := openapi.Generate(versionString(), settings.Server.BaseURL, settings.DemoAvailable())
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode openapi document: %w", err)
	}

	if outputFile != "" {
		if err := os.WriteFile(outputFile, jsonBytes, 0644); err != nil {
			return fmt.Errorf("write %s: %w", outputFile, err)
		}
		fmt.Printf("Wrote %s\n", outputFile)
		return nil
	}
	fmt.Println(string(jsonBytes))
	return nil
}
