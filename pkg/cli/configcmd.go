package cli

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redactedValue = "****"

var secretKeyMarkers = []string{"secret", "password", "token", "access_key"}

func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := a.loader(cmd.Flags())
			if _, err := loader.Load(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := formatSettings(loader.Settings())
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := a.loadConfigAndLogger(cmd.Flags(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	})
	return configCmd
}

func formatSettings(settings map[string]interface{}) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(redactSettings(settings))
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// redactSettings masks secret values, strips credentials from URLs and
// renders durations readably.
func redactSettings(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		switch v := value.(type) {
		case map[string]interface{}:
			out[key] = redactSettings(v)
		case time.Duration:
			out[key] = v.String()
		case string:
			out[key] = redactString(key, v)
		default:
			out[key] = value
		}
	}
	return out
}

func redactString(key, value string) string {
	if value == "" {
		return value
	}
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return redactedValue
		}
	}
	if strings.HasSuffix(lower, "url") {
		if u, err := url.Parse(value); err == nil && u.User != nil {
			return u.Redacted()
		}
	}
	return value
}
