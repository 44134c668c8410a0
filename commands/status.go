package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"androidfarm/farm"
)

func newStatusCmd() *cobra.Command {
	var (
		server string
		tiles  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool and tile statistics of a running farm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = baseURL(cfg.Server.Addr)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var stats farm.Stats
			if err := getJSON(ctx, server+"/api/farm/stats", &stats); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStats(out, stats)

			if tiles {
				var list []farm.Snapshot
				if err := getJSON(ctx, server+"/api/farm/tiles", &list); err != nil {
					return err
				}
				printTiles(out, list)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "farm base URL (default derived from server.addr)")
	cmd.Flags().BoolVar(&tiles, "tiles", false, "also list every tile")
	return cmd
}

// baseURL turns a listen address into a URL on the local host.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("farm not reachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = resp.Status
		}
		return errors.New(env.Error)
	}
	return json.Unmarshal(env.Data, dst)
}

func printStats(w io.Writer, st farm.Stats) {
	header(w, "Fleet")
	printf(w, "  devices      %d\n", st.Fleet)
	printf(w, "  tier         %s\n", st.Tier)
	for _, s := range farm.AllStates {
		if n := st.Tiles[s]; n > 0 {
			stateColor(s).Fprintf(w, "  %-12s %d\n", s, n)
		}
	}

	header(w, "Pool")
	printf(w, "  connections  %d/%d\n", st.Pool.Connections, st.Pool.MaxConnections)
	printf(w, "  active       %d\n", st.Pool.Active)
	printf(w, "  idle         %d\n", st.Pool.Idle)
	mem := fmt.Sprintf("  memory       %d/%d MiB\n", st.Pool.MemoryEstimate>>20, st.Pool.MemoryCeiling>>20)
	if st.Pool.MemoryWarning > 0 && st.Pool.MemoryEstimate >= st.Pool.MemoryWarning {
		yellow.Fprint(w, mem)
	} else {
		printf(w, "%s", mem)
	}

	if len(st.Streams) > 0 {
		header(w, "Streams")
		for _, s := range st.Streams {
			printf(w, "  %-24s observers %d\n", s.DeviceID, len(s.Observers))
		}
	}
}

func printTiles(w io.Writer, tiles []farm.Snapshot) {
	header(w, "Tiles")
	for _, t := range tiles {
		line := fmt.Sprintf("  %-24s %-14s", t.DeviceID, t.State)
		if t.Quality != nil {
			line += " " + t.Quality.String()
		}
		if t.LastError != "" {
			line += "  " + t.LastError
		}
		stateColor(t.State).Fprintln(w, line)
	}
}
