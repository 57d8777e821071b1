package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/client"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/handler"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

var (
	serverURL string
	timeout   time.Duration

	loadReq handler.LoadModelRequest
	loadPin bool

	showStorage bool

	patchBase   string
	patchTarget string
	patchOut    string
)

var loadCmd = &cobra.Command{
	Use:   "load <model-id>",
	Short: "Load a model into the cache",
	Long: "Without --server the model is loaded in-process into the configured data directory.\n" +
		"With --server the load is requested from a running node.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			return loadLocal(cmd.Context(), args[0], cmd.OutOrStdout())
		}
		base := strings.TrimRight(serverURL, "/")
		id := args[0]

		body, err := json.Marshal(loadReq)
		if err != nil {
			return err
		}
		if err := call(http.MethodPost, base+"/v1/models/"+id+"/load", body, cmd.OutOrStdout()); err != nil {
			return err
		}
		if loadPin {
			return call(http.MethodPost, base+"/v1/models/"+id+"/pin", nil, cmd.OutOrStdout())
		}
		return nil
	},
}

// loadLocal runs one load through a node stack built from the config, without
// opening any listener
func loadLocal(ctx context.Context, id string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	n, err := buildNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.manager.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, loadErr := n.manager.LoadModel(ctx, model.LoadRequest{
		ModelID:         id,
		URL:             loadReq.URL,
		Version:         loadReq.Version,
		CompressionType: loadReq.CompressionType,
		Checksum:        loadReq.Checksum,
		ForceDownload:   loadReq.ForceDownload,
		Priority:        model.ParsePriority(loadReq.Priority),
		Tags:            loadReq.Tags,
	})
	if loadErr == nil && loadPin {
		loadErr = n.manager.PinModel(id)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return loadErr
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := nodeURL()
		if err != nil {
			return err
		}
		path := "/v1/stats"
		if showStorage {
			path = "/v1/storage"
		}
		return call(http.MethodGet, base+path, nil, cmd.OutOrStdout())
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Build a delta patch turning one model file into another",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := os.ReadFile(patchBase)
		if err != nil {
			return fmt.Errorf("failed to read base: %w", err)
		}
		target, err := os.ReadFile(patchTarget)
		if err != nil {
			return fmt.Errorf("failed to read target: %w", err)
		}

		patch, err := client.BuildPatch(base, target)
		if err != nil {
			return err
		}
		if err := os.WriteFile(patchOut, patch, 0o644); err != nil {
			return fmt.Errorf("failed to write patch: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d bytes (target %d bytes)\n", patchOut, len(patch), len(target))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loadCmd, statsCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "Node base URL")
		c.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")
	}

	f := loadCmd.Flags()
	f.StringVar(&loadReq.URL, "url", "", "Artifact URL")
	f.StringVar(&loadReq.Version, "version", "", "Model version")
	f.StringVar(&loadReq.CompressionType, "compression", "", "Compression type of the artifact")
	f.StringVar(&loadReq.Checksum, "checksum", "", "Expected sha256 of the decompressed model")
	f.BoolVar(&loadReq.ForceDownload, "force", false, "Skip cache and delta, always download")
	f.StringVar(&loadReq.Priority, "priority", "", "low, normal, high or critical")
	f.StringSliceVar(&loadReq.Tags, "tag", nil, "Tag to attach (repeatable)")
	f.BoolVar(&loadPin, "pin", false, "Pin the model after loading")

	statsCmd.Flag("server").Usage = "Node base URL (default http://127.0.0.1:<server.http_port>)"
	statsCmd.Flags().BoolVar(&showStorage, "storage", false, "Print durable storage statistics instead")

	pf := patchCmd.Flags()
	pf.StringVar(&patchBase, "base", "", "Base model file")
	pf.StringVar(&patchTarget, "target", "", "Target model file")
	pf.StringVar(&patchOut, "out", "", "Patch output file")
	for _, name := range []string{"base", "target", "out"} {
		_ = patchCmd.MarkFlagRequired(name)
	}
}

func nodeURL() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.HTTPPort), nil
}

// call performs one API request and pretty-prints the JSON answer to out.
// Non-2xx answers are printed too and returned as an error.
func call(method, url string, body []byte, out io.Writer) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(out, strings.TrimSpace(string(raw)))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}
