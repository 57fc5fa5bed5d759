// CablePlan, production planning for the cable insulation lines
//
// Reads the CRM opportunity export and the line plan, selects opportunity
// baselines that fit the two lines, fills them with smaller opportunities,
// schedules the best candidates and estimates the monthly coverage risk.
//
// Build:
//   go build -o cableplan ./cmd/cableplan
//
// Usage:
//   cableplan -opportunities opps.xlsx -lines lines.xlsx -from 2024-04-01 -to 2024-12-31

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/CablePlan/internal/engine"
	"github.com/piwi3910/CablePlan/internal/importer"
	"github.com/piwi3910/CablePlan/internal/model"
	"github.com/piwi3910/CablePlan/internal/project"
	"github.com/piwi3910/CablePlan/internal/risk"
)

type options struct {
	configPath    string
	profile       string
	opportunities string
	lines         string
	from, to      time.Time
	baselines     int
	candidates    int
	priorities    []int
	algorithm     string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cableplan: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	var from, to, priorities string

	fs := flag.NewFlagSet("cableplan", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", project.DefaultConfigPath(), "path to the YAML config")
	fs.StringVar(&opts.profile, "profile", "", "parameter profile from profiles.yaml next to the config")
	fs.StringVar(&opts.opportunities, "opportunities", "", "opportunity export (.xlsx or .csv)")
	fs.StringVar(&opts.lines, "lines", "", "line plan (.xlsx or .csv)")
	fs.StringVar(&from, "from", "", "window start, YYYY-MM-DD")
	fs.StringVar(&to, "to", "", "window end, YYYY-MM-DD")
	fs.IntVar(&opts.baselines, "baselines", 3, "number of top baselines to fill")
	fs.IntVar(&opts.candidates, "candidates", 10, "number of filled baselines to schedule")
	fs.StringVar(&priorities, "priorities", "", "comma separated opportunity numbers that are always planned")
	fs.StringVar(&opts.algorithm, "algorithm", "", "override the optimizer: milp or genetic")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.opportunities == "" || opts.lines == "" {
		return opts, errors.New("both -opportunities and -lines are required")
	}
	var err error
	if opts.from, err = parseDay(from); err != nil {
		return opts, fmt.Errorf("-from: %w", err)
	}
	if opts.to, err = parseDay(to); err != nil {
		return opts, fmt.Errorf("-to: %w", err)
	}
	if priorities != "" {
		for _, s := range strings.Split(priorities, ",") {
			nr, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return opts, fmt.Errorf("-priorities: invalid number %q", s)
			}
			opts.priorities = append(opts.priorities, nr)
		}
	}
	switch model.Algorithm(opts.algorithm) {
	case "", model.AlgorithmMILP, model.AlgorithmGenetic:
	default:
		return opts, fmt.Errorf("-algorithm: unknown algorithm %q", opts.algorithm)
	}
	return opts, nil
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func run(ctx context.Context, opts options, out io.Writer) error {
	config, err := project.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.profile != "" {
		profiles := filepath.Join(filepath.Dir(opts.configPath), "profiles.yaml")
		if config, err = project.ApplyProfile(config, profiles, opts.profile); err != nil {
			return fmt.Errorf("failed to apply profile: %w", err)
		}
	}
	if opts.algorithm != "" {
		config.Algorithm = model.Algorithm(opts.algorithm)
	}
	log := newLogger(config.LogLevel)
	params := config.Parameters

	scenario, imported, err := importer.LoadScenario(opts.opportunities, opts.lines, opts.from, opts.to, params)
	for _, w := range imported.Warnings {
		log.Warn().Msg(w)
	}
	for _, e := range imported.Errors {
		log.Error().Msg(e)
	}
	if err != nil {
		return err
	}
	log.Info().
		Int("fixed", len(scenario.Fixed())).
		Int("opportunities", len(scenario.Opportunities())).
		Msg("scenario loaded")

	var priorities []*model.Project
	for _, nr := range opts.priorities {
		p, ok := scenario.ByNr(nr)
		if !ok || !p.IsOpportunity() {
			return fmt.Errorf("priority %d is not an opportunity in the window", nr)
		}
		priorities = append(priorities, p)
	}

	selector := engine.NewBaselineSelector(params, log)
	baselines, err := selector.GenerateBaselines(ctx, scenario, priorities)
	if err != nil {
		return fmt.Errorf("failed to generate baselines: %w", err)
	}
	if len(baselines) > opts.baselines {
		baselines = baselines[:opts.baselines]
	}
	log.Info().Int("baselines", len(baselines)).Msg("baselines selected")

	filler := engine.NewFiller(params, log)
	filler.Workers = config.Workers
	filled, err := filler.GenerateAll(ctx, scenario, baselines)
	if err != nil {
		return fmt.Errorf("failed to fill baselines: %w", err)
	}
	sort.SliceStable(filled, func(i, j int) bool { return filled[i].TotalMargin() > filled[j].TotalMargin() })
	if len(filled) > opts.candidates {
		filled = filled[:opts.candidates]
	}
	log.Info().Int("candidates", len(filled)).Msg("filled baselines generated")

	opt := engine.New(config, log)
	results, err := engine.CompareFilledBaselines(ctx, opt, engine.NewScheduleCache(), scenario, filled)
	if err != nil {
		return fmt.Errorf("failed to compare baselines: %w", err)
	}

	printBaselines(out, baselines)
	printComparison(out, results)
	if len(results) > 0 && results[0].Feasible() {
		if err := model.Verify(results[0].Schedule); err != nil {
			return err
		}
		printSchedule(out, results[0].Schedule)
	} else {
		log.Warn().Msg("no feasible schedule found")
	}

	coverage, err := risk.NewEstimator(params, log).TestForCoverage(ctx, scenario)
	if err != nil {
		return fmt.Errorf("failed to estimate coverage: %w", err)
	}
	printCoverage(out, coverage)
	return nil
}

func printBaselines(out io.Writer, baselines []*model.Baseline) {
	fmt.Fprintln(out, "Baselines")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOpportunities\tMargin")
	for _, b := range baselines {
		fmt.Fprintf(w, "%s\t%s\t%.0f\n", b.ID, joinNrs(b.Nrs()), b.TotalMargin())
	}
	w.Flush()
	fmt.Fprintln(out)
}

func printComparison(out io.Writer, results []engine.ComparisonResult) {
	fmt.Fprintln(out, "Filled baselines")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Rank\tProjects\tOpportunities\tMargin\tDelay (w)\tAdvance (w)\tStatus")
	for i, r := range results {
		status := "ok"
		if !r.Feasible() {
			status = r.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%.0f\t%.1f\t%.1f\t%s\n",
			i+1, len(r.Candidate.Projects), r.Opportunities, r.Margin, r.DelayWeeks, r.AdvanceWeeks, status)
	}
	w.Flush()
	fmt.Fprintln(out)
}

func printSchedule(out io.Writer, s *model.Schedule) {
	fmt.Fprintln(out, "Schedule")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Nr\tKind\tBatch\tLine\tStart\tEnd\tDelivery")
	for _, pa := range s.Projects {
		for k, a := range pa.Allocations {
			if !a.Allocated() {
				continue
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
				pa.Project.Nr, pa.Project.Kind, k+1, a.Line,
				a.Start.Format("2006-01-02 15:04"), a.End().Format("2006-01-02 15:04"),
				pa.Project.DeliveryDate.Format("2006-01-02"))
		}
	}
	w.Flush()
	fmt.Fprintln(out)
}

func printCoverage(out io.Writer, coverage []risk.MonthCoverage) {
	fmt.Fprintln(out, "Coverage")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Month\tChance")
	for _, c := range coverage {
		fmt.Fprintf(w, "%s\t%.3f\n", c.Month.Format("2006-01"), c.Chance)
	}
	w.Flush()
}

func joinNrs(nrs []int) string {
	parts := make([]string, len(nrs))
	for i, nr := range nrs {
		parts[i] = strconv.Itoa(nr)
	}
	return strings.Join(parts, ",")
}
