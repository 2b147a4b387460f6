package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/stacks/internal/config"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync <library-id>",
	Short: "Pull the latest changes for a library",
	Long: `Pull the latest collections and items for a library from the remote service.

Examples:
  stacks sync 12345
  stacks sync 67890 --type group --name "Lab Shared"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		libType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{}
		if libType != "" {
			body["type"] = libType
		}
		if name != "" {
			body["name"] = name
		}

		resp, err := client.post(cmd.Context(), "/libraries/"+args[0]+"/sync", body)
		if err != nil {
			return err
		}

		var summary struct {
			LibraryID   int64 `json:"libraryID"`
			Collections struct {
				Updated int `json:"updated"`
				Deleted int `json:"deleted"`
			} `json:"collections"`
			Items struct {
				Updated int `json:"updated"`
				Deleted int `json:"deleted"`
			} `json:"items"`
		}
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		printSuccess("Synced library %d: %d collections updated (%d deleted), %d items updated (%d deleted)",
			summary.LibraryID,
			summary.Collections.Updated, summary.Collections.Deleted,
			summary.Items.Updated, summary.Items.Deleted)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("type", "", `library type: "user" or "group"`)
	syncCmd.Flags().String("name", "", "display name for the library")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <library-id> <query>",
	Short: "Search items in the local replica",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args[1:], " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/libraries/%s/items?q=%s&limit=%d", args[0], url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var items []struct {
			Key      string `json:"Key"`
			ItemType string `json:"ItemType"`
			Title    string `json:"Title"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, it := range items {
			fmt.Printf("%s  %-16s %s\n",
				colorize(colorCyan, it.Key),
				it.ItemType,
				it.Title,
			)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
}

// --- get ---

var getCmd = &cobra.Command{
	Use:   "get <library-id> <key>",
	Short: "Show a single item as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/libraries/%s/items/%s", args[0], args[1]))
		if err != nil {
			return err
		}

		var item any
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:   "collections <library-id>",
	Short: "List collections of a library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/libraries/"+args[0]+"/collections")
		if err != nil {
			return err
		}

		var cols []struct {
			Key              string `json:"Key"`
			Name             string `json:"Name"`
			ParentCollection string `json:"ParentCollection"`
		}
		if err := decodeJSON(resp, &cols); err != nil {
			return err
		}

		if len(cols) == 0 {
			fmt.Println("No collections found.")
			return nil
		}

		for _, c := range cols {
			line := fmt.Sprintf("%s  %s", colorize(colorCyan, c.Key), c.Name)
			if c.ParentCollection != "" {
				line += fmt.Sprintf(" (in %s)", c.ParentCollection)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// --- attachment ---

var attachmentCmd = &cobra.Command{
	Use:   "attachment <library-id> <key>",
	Short: "Download an attachment payload",
	Long: `Download an attachment payload, serving it from the local cache when
possible and fetching it from the remote otherwise.

Examples:
  stacks attachment 12345 AB12CD34 --output paper.pdf`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/libraries/%s/attachments/%s", args[0], args[1]))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var apiErr struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
				return fmt.Errorf("%s", apiErr.Error.Message)
			}
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		var out *os.File
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
		} else {
			out = os.Stdout
		}

		n, err := out.ReadFrom(resp.Body)
		if err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
		if output != "" && output != "-" {
			printSuccess("Wrote %d bytes to %s", n, output)
		}
		return nil
	},
}

func init() {
	attachmentCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the attachment cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size against the configured budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Files      int64 `json:"files"`
			TotalBytes int64 `json:"totalBytes"`
			MaxBytes   int64 `json:"maxBytes"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Files", "%d", stats.Files)
		printStatus("Size", "%s", formatBytes(stats.TotalBytes))
		if stats.MaxBytes > 0 {
			printStatus("Budget", "%s", formatBytes(stats.MaxBytes))
		} else {
			printStatus("Budget", "unlimited")
		}
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict least recently used files down to the byte budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/prune", nil)
		if err != nil {
			return err
		}

		var stats struct {
			Files      int64 `json:"files"`
			TotalBytes int64 `json:"totalBytes"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Cache pruned: %d files, %s", stats.Files, formatBytes(stats.TotalBytes))
		return nil
	},
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm <library-id> <key>...",
	Short: "Pre-fetch attachment payloads into the cache",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"keys": args[1:], "concurrency": concurrency}
		resp, err := client.post(cmd.Context(), "/libraries/"+args[0]+"/cache/warm", body)
		if err != nil {
			return err
		}

		var result struct {
			Requested int `json:"requested"`
			Available int `json:"available"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Warmed %d/%d attachments", result.Available, result.Requested)
		return nil
	},
}

func init() {
	cacheWarmCmd.Flags().Int("concurrency", 4, "parallel downloads")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheWarmCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
