package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ezkeys/ezkeys/internal/config"
	"github.com/ezkeys/ezkeys/internal/hasher"
	"github.com/ezkeys/ezkeys/internal/keygen"
)

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and the key profile this configuration issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"built":      date,
				"go_version": runtime.Version(),
				"os":         runtime.GOOS,
				"arch":       runtime.GOARCH,
			}
			// Decode only: the version command must work before the
			// deployment is fully configured.
			settings, err := config.Decode(viper.GetViper())
			if err == nil {
				err = keygen.ValidateEnv(settings.RuntimeEnv)
			}
			if err != nil {
				info["key_profile_error"] = err.Error()
			} else {
				for k, v := range keyProfile(settings) {
					info[k] = v
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ezkeys %s\n", version)
			fmt.Fprintf(out, "  commit:  %s\n", commit)
			fmt.Fprintf(out, "  built:   %s\n", date)
			fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
			fmt.Fprintf(out, "  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			if msg, ok := info["key_profile_error"]; ok {
				fmt.Fprintf(out, "  keys:    unavailable (%s)\n", msg)
				return nil
			}
			fmt.Fprintf(out, "  keys:    %s (env %s)\n", info["key_format"], info["key_env"])
			fmt.Fprintf(out, "  hash:    %s m=%s t=%s p=%s\n", info["hash_algorithm"],
				info["hash_memory_kib"], info["hash_time"], info["hash_parallelism"])
			fmt.Fprintf(out, "  pepper:  %s\n", info["pepper_configured"])
			fmt.Fprintf(out, "  demo:    %s\n", info["demo_available"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	return cmd
}

// keyProfile describes the keys and hashes a deployment with s produces.
func keyProfile(s *config.Settings) map[string]string {
	params := hashParams(s)
	format := keygen.Tag + "_" + s.RuntimeEnv + "_" +
		strings.Repeat("X", keygen.BodyLength) + "_" + strings.Repeat("C", keygen.ChecksumLength)
	return map[string]string{
		"key_env":           s.RuntimeEnv,
		"key_format":        format,
		"hash_algorithm":    hasher.Algorithm,
		"hash_memory_kib":   strconv.FormatUint(uint64(params.Memory), 10),
		"hash_time":         strconv.FormatUint(uint64(params.Time), 10),
		"hash_parallelism":  strconv.FormatUint(uint64(params.Parallelism), 10),
		"pepper_configured": strconv.FormatBool(s.APIKey.Pepper != ""),
		"demo_available":    strconv.FormatBool(s.DemoAvailable()),
	}
}
