package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/llmrelay/relay/internal/pricing"
)

var pricingFlags struct {
	provider       string
	model          string
	effective      string
	input          string
	output         string
	cacheRead      string
	cacheWrite     string
	reasoning      string
	batchDiscount  string
	fixed          string
	longThreshold  int64
	longMultiplier string
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage the pricing ledger",
}

var pricingAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a pricing record",
	Long: `Append a pricing record to the ledger. Prices are cents per million
tokens. A request is priced with the latest record effective on or before
its date; records are never updated in place.

Examples:
  relayctl pricing add --provider openai --model gpt-4o --effective 2025-01-01 --input 250 --output 1000
  relayctl pricing add --provider anthropic --model claude-3-5-sonnet --input 300 --output 1500 --cache-write 1.25`,
	Args: cobra.NoArgs,
	RunE: addPricing,
}

var pricingListCmd = &cobra.Command{
	Use:   "list <provider>",
	Short: "List pricing records effective today or earlier",
	Args:  cobra.ExactArgs(1),
	RunE:  listPricing,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingAddCmd, pricingListCmd)

	f := pricingAddCmd.Flags()
	f.StringVar(&pricingFlags.provider, "provider", "", "provider name (required)")
	f.StringVar(&pricingFlags.model, "model", "", "model id (required)")
	f.StringVar(&pricingFlags.effective, "effective", "", "effective date YYYY-MM-DD (default today, UTC)")
	f.StringVar(&pricingFlags.input, "input", "", "input price, cents per 1M tokens (required)")
	f.StringVar(&pricingFlags.output, "output", "", "output price, cents per 1M tokens (required)")
	f.StringVar(&pricingFlags.cacheRead, "cache-read", "", "cache read multiplier on the input price")
	f.StringVar(&pricingFlags.cacheWrite, "cache-write", "", "cache write multiplier on the input price")
	f.StringVar(&pricingFlags.reasoning, "reasoning", "", "reasoning price, cents per 1M tokens")
	f.StringVar(&pricingFlags.batchDiscount, "batch-discount", "0", "fraction off for batch requests")
	f.StringVar(&pricingFlags.fixed, "fixed", "0", "fixed cost per request in cents")
	f.Int64Var(&pricingFlags.longThreshold, "long-context-threshold", 0, "input tokens above which the long context multiplier applies")
	f.StringVar(&pricingFlags.longMultiplier, "long-context-multiplier", "1", "multiplier for long context requests")
	for _, name := range []string{"provider", "model", "input", "output"} {
		_ = pricingAddCmd.MarkFlagRequired(name)
	}
}

func parseDecimal(flag, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", flag, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("--%s must not be negative", flag)
	}
	return d, nil
}

func parseNullDecimal(flag, v string) (decimal.NullDecimal, error) {
	if v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(flag, v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func pricingRecord(now time.Time) (pricing.Record, error) {
	rec := pricing.Record{
		Provider:             pricingFlags.provider,
		Model:                pricingFlags.model,
		LongContextThreshold: pricingFlags.longThreshold,
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if pricingFlags.effective != "" {
		t, err := time.Parse(time.DateOnly, pricingFlags.effective)
		if err != nil {
			return rec, fmt.Errorf("--effective: %w", err)
		}
		day = t
	}
	rec.EffectiveDate = day

	var err error
	if rec.InputPerMillion, err = parseDecimal("input", pricingFlags.input); err != nil {
		return rec, err
	}
	if rec.OutputPerMillion, err = parseDecimal("output", pricingFlags.output); err != nil {
		return rec, err
	}
	if rec.CacheReadMultiplier, err = parseNullDecimal("cache-read", pricingFlags.cacheRead); err != nil {
		return rec, err
	}
	if rec.CacheWriteMultiplier, err = parseNullDecimal("cache-write", pricingFlags.cacheWrite); err != nil {
		return rec, err
	}
	if rec.ReasoningPerMillion, err = parseNullDecimal("reasoning", pricingFlags.reasoning); err != nil {
		return rec, err
	}
	if rec.BatchDiscount, err = parseDecimal("batch-discount", pricingFlags.batchDiscount); err != nil {
		return rec, err
	}
	if rec.BatchDiscount.GreaterThan(decimal.NewFromInt(1)) {
		return rec, fmt.Errorf("--batch-discount must be within [0,1]")
	}
	if rec.FixedCostPerRequest, err = parseDecimal("fixed", pricingFlags.fixed); err != nil {
		return rec, err
	}
	if rec.LongContextMultiplier, err = parseDecimal("long-context-multiplier", pricingFlags.longMultiplier); err != nil {
		return rec, err
	}
	return rec, nil
}

func addPricing(cmd *cobra.Command, _ []string) error {
	rec, err := pricingRecord(time.Now())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.InsertPricingRecord(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "priced %s/%s from %s: input %s, output %s cents per 1M tokens\n",
		rec.Provider, rec.Model, rec.EffectiveDate.Format(time.DateOnly), rec.InputPerMillion, rec.OutputPerMillion)
	return nil
}

func listPricing(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.PricingRecords(ctx, args[0], time.Now().UTC())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tEFFECTIVE\tINPUT\tOUTPUT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Model, r.EffectiveDate.Format(time.DateOnly), r.InputPerMillion, r.OutputPerMillion)
	}
	return tw.Flush()
}
