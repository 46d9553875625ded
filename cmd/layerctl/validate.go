package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livefir/livelayer"
	"github.com/livefir/livelayer/internal/dom"
)

var validateFlags struct {
	fields []string
	target string
	url    string
	values []string
}

var validateCmd = &cobra.Command{
	Use:   "validate [page.html]",
	Short: "Ask the server to validate form fields and print the updated groups",
	Long: `Validate sets the given field values, then validates every --field in
one tick so they share a single batched request. Each updated form group is
printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := validateFlags
		if len(f.fields) == 0 {
			return fmt.Errorf("at least one --field is required")
		}
		values, err := parseParams(f.values)
		if err != nil {
			return err
		}

		u, err := openPage(args[0])
		if err != nil {
			return err
		}
		defer u.Close()

		var jobs []*livelayer.Job
		var findErr error
		if err := u.Do(func() {
			for name := range values {
				els, err := u.Query(nil, fmt.Sprintf("[name=%q]", name))
				if err == nil && len(els) == 0 {
					err = fmt.Errorf("no field named %s", name)
				}
				if err != nil {
					findErr = err
					return
				}
				u.SetValue(els[0], values.Get(name))
			}
			for _, sel := range f.fields {
				els, err := u.Query(nil, sel)
				if err == nil && len(els) == 0 {
					err = livelayer.ErrTargetNotFound
				}
				if err != nil {
					findErr = fmt.Errorf("field %s: %w", sel, err)
					return
				}
				jobs = append(jobs, u.Validate(els[0], livelayer.ValidateOptions{Target: f.target, URL: f.url}))
			}
		}); err != nil {
			return err
		}
		if findErr != nil {
			return findErr
		}

		var failed error
		for i, job := range jobs {
			res, err := wait(job)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), failStyle.Render(fmt.Sprintf("✗ %s: %v", f.fields[i], err)))
				failed = err
				continue
			}
			var out []string
			if err := u.Do(func() {
				for _, el := range res.Fragments {
					out = append(out, dom.Minify(dom.OuterHTML(el)))
				}
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), okStyle.Render(fmt.Sprintf("✓ %s (%s)", f.fields[i], res.Target)))
			for _, html := range out {
				fmt.Fprintln(cmd.OutOrStdout(), html)
			}
		}
		m := u.Metrics()
		fmt.Fprintf(cmd.ErrOrStderr(), "%d requests sent, %d validations batched\n", m.RequestsSent, m.RequestsBatched)
		return failed
	},
}

func init() {
	fl := validateCmd.Flags()
	fl.StringArrayVarP(&validateFlags.fields, "field", "f", nil, "Selector of a field to validate, repeatable")
	fl.StringVarP(&validateFlags.target, "target", "t", "", "Fragment to update instead of the field's group")
	fl.StringVar(&validateFlags.url, "url", "", "Validation URL instead of the form action")
	fl.StringArrayVar(&validateFlags.values, "set", nil, "Set a field value first, as name=value")
}
