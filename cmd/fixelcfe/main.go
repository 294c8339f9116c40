// Command fixelcfe performs whole-brain fixel-based statistical analysis:
// it builds a fixel-fixel connectivity graph from a streamline file,
// smooths subject data along it, fits a GLM, and assigns family-wise error
// corrected p-values through permutation testing with connectivity-based
// enhancement.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"fixelcfe/pkg/analysis"
	"fixelcfe/pkg/config"
)

func main() {
	app := &cli.App{
		Name:      "fixelcfe",
		Usage:     "Fixel-based analysis with connectivity-based enhancement",
		ArgsUsage: "<in_fixel_dir> <subjects_file> <design_matrix> <contrast_matrix> <tracks_file> <out_fixel_dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML configuration file supplying defaults",
			},
			&cli.Float64Flag{
				Name:  "cfe_dh",
				Usage: "height increment of the enhancement integration (0.001-1.0)",
			},
			&cli.Float64Flag{
				Name:  "cfe_e",
				Usage: "extent exponent (0-100)",
			},
			&cli.Float64Flag{
				Name:  "cfe_h",
				Usage: "height exponent (0-100)",
			},
			&cli.Float64Flag{
				Name:  "cfe_c",
				Usage: "connectivity exponent (0-100)",
			},
			&cli.Float64Flag{
				Name:  "smooth",
				Usage: "smoothing kernel FWHM in mm (0-200)",
			},
			&cli.Float64Flag{
				Name:  "connectivity",
				Usage: "connectivity threshold (0-1)",
			},
			&cli.Float64Flag{
				Name:  "angle",
				Usage: "angular threshold in degrees (0-90)",
			},
			&cli.IntFlag{
				Name:  "nperms",
				Usage: "number of permutations",
			},
			&cli.StringFlag{
				Name:  "permutations",
				Usage: "file of precomputed permutations, one per line",
			},
			&cli.BoolFlag{
				Name:  "nonstationary",
				Usage: "apply the empirical non-stationarity adjustment",
			},
			&cli.IntFlag{
				Name:  "nperms_nonstationary",
				Usage: "number of permutations for the non-stationarity pre-pass",
			},
			&cli.StringFlag{
				Name:  "permutations_nonstationary",
				Usage: "file of precomputed pre-pass permutations",
			},
			&cli.StringSliceFlag{
				Name:  "column",
				Usage: "file listing per-subject fixel data files forming one element-wise design column (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "notest",
				Usage: "skip permutation testing, write observed statistics only",
			},
			&cli.IntFlag{
				Name:  "cores",
				Usage: "number of CPU cores to use",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fixelcfe: %v", err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 6 {
		cli.ShowAppHelp(c)
		return fmt.Errorf("expected 6 arguments, got %d", c.NArg())
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	params := &analysis.Params{
		InputFixelDir:  c.Args().Get(0),
		SubjectsFile:   c.Args().Get(1),
		DesignFile:     c.Args().Get(2),
		ContrastFile:   c.Args().Get(3),
		TracksFile:     c.Args().Get(4),
		OutputFixelDir: c.Args().Get(5),

		NumPerms:                      cfg.Processing.NumPermutations,
		PermutationsFile:              c.String("permutations"),
		Nonstationary:                 cfg.Nonstationarity.Enabled || c.Bool("nonstationary"),
		NumPermsNonstationary:         cfg.Nonstationarity.NumPermutations,
		PermutationsNonstationaryFile: c.String("permutations_nonstationary"),
		ElementColumns:                c.StringSlice("column"),
		NoTest:                        c.Bool("notest"),

		DH: cfg.Enhancement.DH,
		E:  cfg.Enhancement.E,
		H:  cfg.Enhancement.H,
		C:  cfg.Enhancement.C,

		SmoothFWHM:            cfg.Processing.SmoothFWHM,
		ConnectivityThreshold: cfg.Processing.ConnectivityThreshold,
		AngularThreshold:      cfg.Processing.AngularThreshold,
		NumCores:              cfg.Processing.NumCores,
		SavePermutations:      cfg.Output.SavePermutations,
	}

	if c.IsSet("cfe_dh") {
		params.DH = c.Float64("cfe_dh")
	}
	if c.IsSet("cfe_e") {
		params.E = c.Float64("cfe_e")
	}
	if c.IsSet("cfe_h") {
		params.H = c.Float64("cfe_h")
	}
	if c.IsSet("cfe_c") {
		params.C = c.Float64("cfe_c")
	}
	if c.IsSet("smooth") {
		params.SmoothFWHM = c.Float64("smooth")
	}
	if c.IsSet("connectivity") {
		params.ConnectivityThreshold = c.Float64("connectivity")
	}
	if c.IsSet("angle") {
		params.AngularThreshold = c.Float64("angle")
	}
	if c.IsSet("nperms") {
		params.NumPerms = c.Int("nperms")
	}
	if c.IsSet("nperms_nonstationary") {
		params.NumPermsNonstationary = c.Int("nperms_nonstationary")
	}
	if c.IsSet("cores") {
		params.NumCores = c.Int("cores")
	}

	if err := validateRanges(params); err != nil {
		return err
	}

	fmt.Println("=== Fixel-Based Analysis with Connectivity-Based Enhancement ===")
	fmt.Printf("Input fixel directory: %s\n", params.InputFixelDir)
	fmt.Printf("Output fixel directory: %s\n", params.OutputFixelDir)
	fmt.Printf("Permutations: %d, smoothing FWHM: %g mm, angle: %g deg\n",
		params.NumPerms, params.SmoothFWHM, params.AngularThreshold)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return analysis.New(params).Process(ctx)
}

func validateRanges(p *analysis.Params) error {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"cfe_dh", p.DH, 0.001, 1.0},
		{"cfe_e", p.E, 0, 100},
		{"cfe_h", p.H, 0, 100},
		{"cfe_c", p.C, 0, 100},
		{"smooth", p.SmoothFWHM, 0, 200},
		{"connectivity", p.ConnectivityThreshold, 0, 1},
		{"angle", p.AngularThreshold, 0, 90},
	}
	for _, check := range checks {
		if check.value < check.min || check.value > check.max {
			return fmt.Errorf("option -%s value %g is out of range [%g, %g]",
				check.name, check.value, check.min, check.max)
		}
	}
	if p.NumPerms < 1 {
		return fmt.Errorf("option -nperms must be at least 1, got %d", p.NumPerms)
	}
	return nil
}
