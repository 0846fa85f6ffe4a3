// Command vatcalc inspects rate snapshots, computes VAT and checks VAT
// numbers from the command line.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forgecommerce/vatcalc/internal/config"
	"github.com/forgecommerce/vatcalc/internal/rates"
	"github.com/forgecommerce/vatcalc/internal/storage"
	"github.com/forgecommerce/vatcalc/internal/vat"
)

const usage = `usage: vatcalc <command> [flags] [args]

commands:
  rates            show the rates of a country
  calculate        compute VAT for an amount
  check-snapshot   load and validate a rate snapshot
  publish          validate a snapshot and upload it to a location
  validate-number  check a VAT number against VIES
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "vatcalc:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "rates":
		return runRates(ctx, cfg, rest, stdout, stderr)
	case "calculate":
		return runCalculate(ctx, cfg, rest, stdout, stderr)
	case "check-snapshot":
		return runCheckSnapshot(ctx, cfg, rest, stdout, stderr)
	case "publish":
		return runPublish(ctx, cfg, rest, stdout, stderr)
	case "validate-number":
		return runValidateNumber(ctx, cfg, rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func s3Config(cfg *config.Config) storage.S3Config {
	return storage.S3Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	}
}

// tableFlags are shared by the commands that need a rate table.
type tableFlags struct {
	source   string
	activate string
}

func (f *tableFlags) register(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&f.source, "source", cfg.VAT.RatesSource, "snapshot path or s3://bucket/key (default: embedded)")
	fs.StringVar(&f.activate, "activate", strings.Join(cfg.VAT.OptionalCountries, ","), "comma-separated optional countries to activate")
}

func (f *tableFlags) open(ctx context.Context, cfg *config.Config) (*rates.Table, error) {
	table, err := rates.Open(ctx, f.source, s3Config(cfg))
	if err != nil {
		return nil, err
	}
	for _, code := range strings.Split(f.activate, ",") {
		if code = strings.TrimSpace(code); code == "" {
			continue
		}
		if err := table.ActivateOptionalCountry(code); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func runRates(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rates", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf tableFlags
	tf.register(fs, cfg)
	date := fs.String("date", "", "rates in force at this date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	table, err := tf.open(ctx, cfg)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COUNTRY\tSTANDARD")
		for _, code := range table.Countries() {
			fmt.Fprintf(w, "%s\t%s\n", code, table.Rate(code, "", rates.General, time.Time{}))
		}
		return w.Flush()
	}

	at, err := parseDate(*date)
	if err != nil {
		return err
	}
	code := strings.ToUpper(fs.Arg(0))
	entry, ok := table.Country(code)
	if !ok {
		return fmt.Errorf("country %s is not active", code)
	}
	if at.IsZero() {
		at = table.Now()
	}

	rate, categories, _ := entry.At(at)
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "country\t%s\n", code)
	fmt.Fprintf(w, "standard\t%s\n", rate)
	for _, cat := range []rates.Category{rates.Reduced, rates.ReducedSecond, rates.SuperReduced, rates.Parking} {
		if r, ok := categories[cat]; ok {
			fmt.Fprintf(w, "%s\t%s\n", cat, r)
		}
	}
	names := make([]string, 0, len(entry.Exceptions))
	for name := range entry.Exceptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exc := entry.Exceptions[name]
		if exc.Categories != nil {
			fmt.Fprintf(w, "exception %s\t%s (standard)\n", name, exc.Categories[rates.Standard])
			continue
		}
		fmt.Fprintf(w, "exception %s\t%s\n", name, exc.Rate)
	}
	known := make([]string, 0)
	for _, r := range table.AllKnownRates(code) {
		known = append(known, r.String())
	}
	fmt.Fprintf(w, "known rates\t%s\n", strings.Join(known, ", "))
	return w.Flush()
}

func runCalculate(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("calculate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf tableFlags
	tf.register(fs, cfg)
	country := fs.String("country", "", "destination country code")
	postal := fs.String("postal", "", "destination postal code")
	category := fs.String("category", "", "rate category (standard, reduced, ...)")
	date := fs.String("date", "", "sale date (YYYY-MM-DD)")
	business := fs.Bool("business", false, "customer is a VAT-registered business")
	home := fs.String("home", cfg.VAT.BusinessCountry, "seller's country code")
	gross := fs.Bool("gross", false, "amount includes VAT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("calculate: exactly one amount is required")
	}
	if *country == "" {
		return errors.New("calculate: -country is required")
	}

	amount, err := decimal.NewFromString(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("calculate: invalid amount %q", fs.Arg(0))
	}
	cat, err := rates.ParseCategory(*category)
	if err != nil {
		return err
	}
	at, err := parseDate(*date)
	if err != nil {
		return err
	}

	table, err := tf.open(ctx, cfg)
	if err != nil {
		return err
	}
	calc := vat.NewCalculator(table, vat.WithBusinessCountry(*home))

	q := vat.Query{
		CountryCode: *country,
		PostalCode:  *postal,
		Business:    *business,
		Category:    cat,
		Date:        at,
	}
	var result vat.Result
	if *gross {
		result = calc.CalculateFromGross(amount, q)
	} else {
		result = calc.CalculateFromNet(amount, q)
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "rate\t%s\n", result.TaxRate)
	fmt.Fprintf(w, "net\t%s\n", result.NetAmount.StringFixed(2))
	fmt.Fprintf(w, "tax\t%s\n", result.TaxAmount.StringFixed(2))
	fmt.Fprintf(w, "gross\t%s\n", result.GrossAmount.StringFixed(2))
	return w.Flush()
}

func runCheckSnapshot(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("check-snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("check-snapshot: exactly one location is required")
	}

	table, err := rates.Open(ctx, fs.Arg(0), s3Config(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ok: %d active countries, %d optional\n", len(table.Countries()), len(table.OptionalCountries()))
	return nil
}

func runPublish(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	to := fs.String("to", "", "destination path or s3://bucket/key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *to == "" {
		return errors.New("publish: usage: vatcalc publish -to <location> <file>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	snap, err := rates.Load(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if _, err := rates.New(snap); err != nil {
		return err
	}

	loc, err := storage.ParseLocation(*to)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, loc, s3Config(cfg))
	if err != nil {
		return err
	}
	if err := store.Put(ctx, loc.Key, bytes.NewReader(data), "application/yaml"); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "published %s to %s\n", fs.Arg(0), loc)
	return nil
}

func runValidateNumber(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate-number", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("endpoint", cfg.VAT.VIESEndpoint, "VIES SOAP endpoint")
	requester := fs.String("requester", cfg.VAT.BusinessVATNumber, "requester VAT number")
	timeout := fs.Duration("timeout", cfg.VAT.VIESTimeout, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("validate-number: exactly one VAT number is required")
	}

	table, err := rates.Default()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := vat.NewVIESClient(*endpoint, *timeout, nil, logger, nil)
	calc := vat.NewCalculator(table,
		vat.WithBusinessVATNumber(*requester),
		vat.WithValidator(client),
		vat.WithLogger(logger),
	)

	details, err := calc.VATDetails(ctx, fs.Arg(0), "")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "vat number\t%s%s\n", details.CountryCode, details.VATNumber)
	fmt.Fprintf(w, "valid\t%t\n", details.Valid)
	if details.Name != "" {
		fmt.Fprintf(w, "name\t%s\n", details.Name)
	}
	if details.Address != "" {
		fmt.Fprintf(w, "address\t%s\n", details.Address)
	}
	if details.RequestID != "" {
		fmt.Fprintf(w, "request id\t%s\n", details.RequestID)
	}
	return w.Flush()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}
