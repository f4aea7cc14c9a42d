package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/oriys/novainfer/internal/metrics"
	"github.com/spf13/cobra"
)

// statsCmd prints the process-wide counters as a table. With
// --remote it scrapes a running `serve` process's /stats endpoint;
// without it, it prints this process's own counters, which are empty
// since no runtime is booted.
func statsCmd() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print inference pool counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap map[string]interface{}

			if remote != "" {
				resp, err := http.Get(remote)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", remote, err)
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(body, &snap); err != nil {
					return fmt.Errorf("decode stats response: %w", err)
				}
			} else {
				snap = metrics.Global().Snapshot()
			}

			printStats(snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "Fetch stats from a running daemon's /stats URL instead of this process's own (empty) counters")
	return cmd
}

func printStats(snap map[string]interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "uptime\t%s\n", time.Duration(toInt64(snap["uptime_seconds"]))*time.Second)
	fmt.Fprintf(w, "requests_submitted\t%d\n", toInt64(snap["requests_submitted"]))
	fmt.Fprintf(w, "workers_spawned\t%d\n", toInt64(snap["workers_spawned"]))
	fmt.Fprintf(w, "workers_evicted\t%d\n", toInt64(snap["workers_evicted"]))
	fmt.Fprintf(w, "memory_in_use_mb\t%d\n", toInt64(snap["memory_in_use_mb"]))
	fmt.Fprintf(w, "memory_pressure\t%d\n", toInt64(snap["memory_pressure"]))

	if completed, ok := snap["requests_completed"].(map[string]interface{}); ok {
		for _, reason := range sortedKeys(completed) {
			fmt.Fprintf(w, "requests_completed[%s]\t%v\n", reason, completed[reason])
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "model_id\tqueue_depth\tlast_latency_ms\tworkers_spawned\tworkers_evicted")
	if models, ok := snap["models"].(map[string]interface{}); ok {
		for _, id := range sortedKeys(models) {
			m, _ := models[id].(map[string]interface{})
			fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\n", id,
				m["queue_depth"], m["last_latency_ms"], m["workers_spawned"], m["workers_evicted"])
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
