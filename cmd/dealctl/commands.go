package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dealflow/deal"
	"dealflow/document"
	"dealflow/flow"
	"dealflow/stage"
	"dealflow/transition"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	jsonOutput bool
	verbose    bool
	actor      string
	app        *app
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "dealctl",
		Short:        "Inspect and drive acquisition cases",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), opts.verbose)
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.app != nil {
				opts.app.close()
			}
		},
	}
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")
	root.PersistentFlags().StringVar(&opts.actor, "actor", "dealctl", "Operator recorded on review notes and documents")

	root.AddCommand(
		newMigrateCmd(opts),
		newShowCmd(opts),
		newHistoryCmd(opts),
		newAdvanceCmd(opts),
		newInspectCmd(opts),
		newReviewCmd(opts, true),
		newReviewCmd(opts, false),
		newAttachCmd(opts),
	)
	return root
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.app.migrate == nil {
				return fmt.Errorf("migrations are not available for this backend")
			}
			if err := opts.app.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case and what it needs next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.app.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), c)
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <case-id>",
		Short: "List inspections and timeline events for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			recs, err := opts.app.store.Inspections(ctx, args[0])
			if err != nil {
				return err
			}
			var events []deal.Event
			if opts.app.events != nil {
				if events, err = opts.app.events(ctx, args[0]); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, map[string]any{"inspections": recs, "events": events})
			}
			for _, rec := range recs {
				fmt.Fprintf(out, "%s  inspection  repairs=%s title=%s defects=%s\n",
					rec.RecordedAt.UTC().Format("2006-01-02 15:04:05"), rec.RepairEstimate.StringFixed(2),
					rec.TitleStatus, strings.Join(rec.DefectTags, ","))
			}
			for _, ev := range events {
				fmt.Fprintf(out, "%s  #%d %s %s\n", ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"), ev.Seq, ev.Type, ev.Payload)
			}
			if len(recs) == 0 && len(events) == 0 {
				fmt.Fprintln(out, "no history")
			}
			return nil
		},
	}
}

func newAdvanceCmd(opts *rootOptions) *cobra.Command {
	var asking, market, arv string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "advance <case-id>",
		Short: "Supply values and attempt the next gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in transition.Inputs
			var err error
			if in.AskingPrice, err = parseAmount("asking", asking); err != nil {
				return err
			}
			if in.MarketValue, err = parseAmount("market", market); err != nil {
				return err
			}
			if in.ARV, err = parseAmount("arv", arv); err != nil {
				return err
			}
			in.Confirmed = confirm

			out, err := opts.app.engine.AttemptAdvance(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			return opts.printOutcome(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&asking, "asking", "", "Asking price")
	cmd.Flags().StringVar(&market, "market", "", "Current market value")
	cmd.Flags().StringVar(&arv, "arv", "", "After-repair value")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm contract generation")
	return cmd
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var defects []string
	var title string
	cmd := &cobra.Command{
		Use:   "inspect <case-id>",
		Short: "Record an inspection and title search result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.app.engine.RecordInspection(cmd.Context(), args[0], defects, deal.TitleStatus(strings.ToLower(title)))
			if err != nil {
				return err
			}
			return opts.printOutcome(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&defects, "defect", nil, "Defect tag (repeatable or comma separated)")
	cmd.Flags().StringVar(&title, "title", "", "Title search result: clean, missing, lien or other")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newReviewCmd(opts *rootOptions, override bool) *cobra.Command {
	var justification string
	use, short := "reject", "Reject a case held for review"
	if override {
		use, short = "override", "Return a case held for review to where it came from"
	}
	cmd := &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.app.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			decide := opts.app.reviews.Reject
			if override {
				decide = opts.app.reviews.Override
			}
			updated, _, err := decide(ctx, c.ID, c.Stage, justification, opts.actor)
			if err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), updated)
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "Written reason for the decision")
	return cmd
}

func newAttachCmd(opts *rootOptions) *cobra.Command {
	var kind, filename string
	cmd := &cobra.Command{
		Use:   "attach <case-id>",
		Short: "Attach a document to a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := opts.app.docs.Attach(cmd.Context(), document.Document{
				CaseID:     args[0],
				Kind:       kind,
				Filename:   filename,
				UploadedBy: opts.actor,
			})
			if err != nil {
				return err
			}
			missing, err := opts.app.docs.Missing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, map[string]any{"document": doc, "missing": missing})
			}
			fmt.Fprintf(out, "attached %s (%s)\n", doc.Kind, doc.Filename)
			if len(missing) > 0 {
				fmt.Fprintf(out, "still missing: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Document kind, e.g. seller_disclosure")
	cmd.Flags().StringVar(&filename, "file", "", "File name as stored")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func parseAmount(flag, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil, fmt.Errorf("--%s: %q is not an amount", flag, raw)
	}
	return &d, nil
}

func (o *rootOptions) printCase(w io.Writer, c deal.Case) error {
	g := flow.NextGuidance(c)
	if o.jsonOutput {
		return writeJSON(w, map[string]any{"case": c, "guidance": g})
	}
	fmt.Fprintf(w, "case     %s\n", c.ID)
	if c.Address != "" {
		fmt.Fprintf(w, "address  %s\n", c.Address)
	}
	fmt.Fprintf(w, "stage    %s (%s)\n", c.Stage, stage.Status(c.Stage))
	for _, f := range []struct {
		name string
		v    *decimal.Decimal
	}{
		{"asking", c.AskingPrice},
		{"market", c.MarketValue},
		{"arv", c.ARV},
		{"repairs", c.RepairEstimate},
	} {
		if f.v != nil {
			fmt.Fprintf(w, "%-8s %s\n", f.name, f.v.StringFixed(2))
		}
	}
	if c.TitleStatus != nil {
		fmt.Fprintf(w, "title    %s\n", *c.TitleStatus)
	}
	fmt.Fprintf(w, "next     %s\n", g.SuggestedPrompt)
	return nil
}

func (o *rootOptions) printOutcome(w io.Writer, out transition.Outcome) error {
	if o.jsonOutput {
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "%s -> %s\n", out.From, out.To)
	return o.printCase(w, out.Case)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
