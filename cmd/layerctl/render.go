package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/livefir/livelayer"
	"github.com/livefir/livelayer/internal/dom"
)

var renderFlags struct {
	url        string
	method     string
	data       []string
	fragment   string
	document   string
	content    string
	target     string
	failTarget string
	layer      string
	mode       string
	out        string
	minify     bool
}

var renderCmd = &cobra.Command{
	Use:   "render [page.html]",
	Short: "Render a fragment into a page and print the result",
	Long: `Render loads the page, applies one render and prints the updated page
followed by the layer stack. The source is a URL fetched through --base, or a
local fragment, document or content.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := renderFlags
		params, err := parseParams(f.data)
		if err != nil {
			return err
		}
		opts := livelayer.RenderOptions{
			URL:        f.url,
			Method:     f.method,
			Params:     params,
			Content:    f.content,
			Target:     f.target,
			FailTarget: f.failTarget,
			Mode:       livelayer.Mode(f.mode),
		}
		if f.layer != "" {
			opts.Layer = livelayer.ParseLayerRef(f.layer)
		}
		if opts.Fragment, err = readOptional(f.fragment); err != nil {
			return err
		}
		if opts.Document, err = readOptional(f.document); err != nil {
			return err
		}

		u, err := openPage(args[0])
		if err != nil {
			return err
		}
		defer u.Close()

		var job *livelayer.Job
		if err := u.Do(func() { job = u.Render(opts) }); err != nil {
			return err
		}
		res, renderErr := wait(job)

		var page string
		var rows [][]string
		if err := u.Do(func() {
			page = u.HTML()
			rows = layerRows(u)
		}); err != nil {
			return err
		}
		if f.minify {
			page = dom.Minify(page)
		}
		if f.out != "" {
			if err := os.WriteFile(f.out, []byte(page), 0o644); err != nil {
				return fmt.Errorf("failed to write page: %w", err)
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), page)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), summary(res, renderErr))
		fmt.Fprintln(cmd.ErrOrStderr(), layerTable(rows))
		return renderErr
	},
}

func init() {
	fl := renderCmd.Flags()
	fl.StringVar(&renderFlags.url, "url", "", "URL to fetch the new content from")
	fl.StringVarP(&renderFlags.method, "method", "X", "", "Request method (default GET)")
	fl.StringArrayVarP(&renderFlags.data, "data", "d", nil, "Request parameter as key=value, repeatable")
	fl.StringVar(&renderFlags.fragment, "fragment", "", "File holding one element to render")
	fl.StringVar(&renderFlags.document, "document", "", "File holding a full HTML document to render from")
	fl.StringVar(&renderFlags.content, "content", "", "Inner HTML for the target")
	fl.StringVarP(&renderFlags.target, "target", "t", "", "Target selector")
	fl.StringVar(&renderFlags.failTarget, "fail-target", "", "Target selector for error responses")
	fl.StringVarP(&renderFlags.layer, "layer", "l", "", "Layer to render into, \"new\" opens an overlay")
	fl.StringVar(&renderFlags.mode, "mode", "", "Overlay mode: modal, drawer, popup or cover")
	fl.StringVarP(&renderFlags.out, "out", "o", "", "Write the page to this file instead of stdout")
	fl.BoolVar(&renderFlags.minify, "minify", false, "Minify the printed page")
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

var (
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	frontStyle  = cellStyle.Foreground(lipgloss.Color("212"))
)

func summary(res *livelayer.RenderResult, err error) string {
	if err != nil {
		return failStyle.Render("✗ " + err.Error())
	}
	if res.Closed {
		return okStyle.Render(fmt.Sprintf("✓ %s closed", res.Layer))
	}
	return okStyle.Render(fmt.Sprintf("✓ %d fragments updated in %s (%s)", len(res.Fragments), res.Layer, res.Target))
}

// layerRows describes the stack, root first. Call on the loop.
func layerRows(u *livelayer.Up) [][]string {
	layers := u.Layers(livelayer.LayerKeyword("any"))
	rows := make([][]string, 0, u.Count())
	for i := 0; i < u.Count(); i++ {
		l, err := u.Layer(livelayer.LayerIndex(i))
		if err != nil {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			string(l.Mode),
			l.State().String(),
			l.Location,
			strconv.FormatBool(l.History),
			strconv.FormatBool(len(layers) > 0 && layers[0] == l),
		})
	}
	return rows
}

func layerTable(rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("#", "MODE", "STATE", "LOCATION", "HISTORY", "CURRENT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == len(rows)-1:
				return frontStyle
			default:
				return cellStyle
			}
		}).
		String()
}
