package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/livefir/livelayer"
	"github.com/livefir/livelayer/transport"
)

var (
	configPath string
	baseURL    string
	timeout    time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "layerctl",
	Short:        "Render fragments and layers against a page file",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "livelayer.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base", "", "Base URL that relative request URLs resolve against")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for a render to settle")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log coordinator activity to stderr")

	rootCmd.AddCommand(renderCmd, validateCmd, bridgeCmd)
}

func logger() *log.Logger {
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

// upstream returns an HTTP transport that resolves relative URLs against base.
func upstream(base string, logger *log.Logger) (transport.Transport, error) {
	var root *url.URL
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		root = u
	}
	h := transport.NewHTTP(nil)
	t := transport.Func(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if root != nil {
			ref, err := url.Parse(req.URL)
			if err != nil {
				return nil, fmt.Errorf("invalid request URL %q: %w", req.URL, err)
			}
			r := *req
			r.URL = root.ResolveReference(ref).String()
			req = &r
		}
		return h.Do(ctx, req)
	})
	return transport.Chain(t, transport.Logging(logger)), nil
}

// openPage loads the page file and starts a coordinator for it.
func openPage(path string) (*livelayer.Up, error) {
	page, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	cfg, err := livelayer.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	l := logger()
	t, err := upstream(baseURL, l)
	if err != nil {
		return nil, err
	}
	return livelayer.New(string(page),
		livelayer.WithConfig(cfg),
		livelayer.WithTransport(t),
		livelayer.WithLogger(l),
		livelayer.WithErrorHandler(func(err error) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}),
	)
}

// parseParams turns key=value pairs into form values.
func parseParams(pairs []string) (url.Values, error) {
	values := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		values.Add(k, v)
	}
	return values, nil
}

func wait(job *livelayer.Job) (*livelayer.RenderResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return job.Wait(ctx)
}
