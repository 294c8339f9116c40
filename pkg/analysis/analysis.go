// Package analysis orchestrates the whole-brain fixel statistics pipeline:
// atlas and subject loading, connectivity graph construction, smoothing,
// the permutation-tested GLM with connectivity-based enhancement, and all
// output files.
package analysis

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	mstats "github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	gstat "gonum.org/v1/gonum/stat"

	"fixelcfe/internal/models"
	"fixelcfe/pkg/cfe"
	"fixelcfe/pkg/connectivity"
	"fixelcfe/pkg/fixel"
	"fixelcfe/pkg/glm"
	"fixelcfe/pkg/mif"
	"fixelcfe/pkg/stats"
)

// Params holds the analysis configuration as assembled from the command
// line and configuration file.
type Params struct {
	// InputFixelDir is the template fixel directory holding index.mif and
	// directions.mif.
	InputFixelDir string

	// SubjectsFile lists one subject fixel data file per line, ordered
	// like the design matrix rows.
	SubjectsFile string

	// DesignFile is the whitespace-delimited design matrix.
	DesignFile string

	// ContrastFile is the whitespace-delimited contrast matrix, one row
	// per contrast.
	ContrastFile string

	// TracksFile is the streamline file defining connectivity.
	TracksFile string

	// OutputFixelDir receives all result images; created if absent.
	OutputFixelDir string

	// NumPerms is the number of permutations for the statistical test.
	NumPerms int

	// PermutationsFile optionally supplies precomputed permutations.
	PermutationsFile string

	// Nonstationary enables the empirical non-stationarity adjustment.
	Nonstationary bool

	// NumPermsNonstationary is the number of pre-pass permutations.
	NumPermsNonstationary int

	// PermutationsNonstationaryFile optionally supplies precomputed
	// pre-pass permutations.
	PermutationsNonstationaryFile string

	// ElementColumns lists files naming per-subject fixel data files; each
	// contributes one element-wise design column.
	ElementColumns []string

	// NoTest skips permutation testing; only the observed statistics are
	// written.
	NoTest bool

	DH float64
	E  float64
	H  float64
	C  float64

	SmoothFWHM            float64
	ConnectivityThreshold float64
	AngularThreshold      float64

	// NumCores bounds worker parallelism; zero means all cores.
	NumCores int

	// SavePermutations writes the generated permutations next to the
	// other outputs.
	SavePermutations bool

	// Seed fixes the permutation generator; zero draws from the clock.
	Seed int64
}

// Analysis runs the pipeline over one dataset.
type Analysis struct {
	params *Params

	atlas       *fixel.Atlas
	design      *mat.Dense
	contrasts   *mat.Dense
	data        *mat.Dense
	extras      []*mat.Dense
	hasNaN      bool
	cfeGraph    *connectivity.Graph
	smoothGraph *connectivity.Graph
}

// New creates an analysis with the given parameters.
func New(params *Params) *Analysis {
	return &Analysis{params: params}
}

// Process executes the full pipeline and writes every output file.
func (a *Analysis) Process(ctx context.Context) error {
	start := time.Now()

	fmt.Println("Step 1: Loading fixel template...")
	if err := a.loadAtlas(); err != nil {
		return err
	}

	fmt.Println("Step 2: Loading design, contrasts and subject data...")
	if err := a.loadInputs(); err != nil {
		return err
	}

	fmt.Println("Step 3: Building fixel-fixel connectivity graph...")
	if err := a.buildGraph(ctx); err != nil {
		return err
	}

	fmt.Println("Step 4: Smoothing subject data...")
	a.smoothData()

	fmt.Println("Step 5: Fitting model and writing effect sizes...")
	if err := os.MkdirAll(a.params.OutputFixelDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w: %v", models.ErrFileIO, err)
	}
	if err := fixel.CopyIndexAndDirections(a.params.InputFixelDir, a.params.OutputFixelDir); err != nil {
		return err
	}
	tester, err := a.buildTester()
	if err != nil {
		return err
	}
	if err := a.writeModelFit(tester); err != nil {
		return err
	}

	enhancer := cfe.NewEnhancer(a.cfeGraph, a.params.DH, a.params.E, a.params.H)
	rng := rand.New(rand.NewSource(a.seed()))

	var empirical [][]float64
	if a.params.Nonstationary {
		fmt.Println("Step 6: Computing empirical statistic for non-stationarity adjustment...")
		empirical, err = a.computeEmpirical(ctx, tester, enhancer, rng)
		if err != nil {
			return err
		}
	}

	if a.params.NoTest {
		fmt.Println("Step 7: Writing observed statistics (permutation testing disabled)...")
		if err := a.writeObservedOnly(tester, enhancer, empirical); err != nil {
			return err
		}
	} else {
		fmt.Println("Step 7: Running permutation testing...")
		if err := a.runPermutations(ctx, tester, enhancer, empirical, rng); err != nil {
			return err
		}
	}

	fmt.Printf("Analysis completed in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *Analysis) seed() int64 {
	if a.params.Seed != 0 {
		return a.params.Seed
	}
	return time.Now().UnixNano()
}

func (a *Analysis) loadAtlas() error {
	atlas, err := fixel.LoadAtlas(a.params.InputFixelDir)
	if err != nil {
		return err
	}
	a.atlas = atlas
	fmt.Printf("Loaded fixel template with %d fixels\n", atlas.NumFixels)
	return nil
}

// loadColumn reads one subject fixel data file into a per-fixel vector.
func (a *Analysis) loadColumn(path string) ([]float64, error) {
	img, err := mif.ReadImage(path)
	if err != nil {
		return nil, err
	}
	if img.Datatype != mif.Float32LE {
		return nil, fmt.Errorf("%s is not a floating point fixel data file: %w", path, models.ErrInputInvalid)
	}
	if err := a.atlas.Match(img); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	column := make([]float64, a.atlas.NumFixels)
	for i := range column {
		column[i] = float64(img.Float[i])
	}
	return column, nil
}

// loadSubjectMatrix reads a list file of per-subject fixel data files into
// a numFixels x numSubjects matrix.
func (a *Analysis) loadSubjectMatrix(listPath string, numSubjects int) (*mat.Dense, error) {
	paths, err := LoadLines(listPath)
	if err != nil {
		return nil, err
	}
	if len(paths) != numSubjects {
		return nil, fmt.Errorf("%s lists %d files, design matrix has %d rows: %w",
			listPath, len(paths), numSubjects, models.ErrInputInvalid)
	}
	m := mat.NewDense(a.atlas.NumFixels, numSubjects, nil)
	for s, path := range paths {
		column, err := a.loadColumn(path)
		if err != nil {
			return nil, err
		}
		m.SetCol(s, column)
	}
	return m, nil
}

func (a *Analysis) loadInputs() error {
	design, err := LoadMatrix(a.params.DesignFile)
	if err != nil {
		return err
	}
	a.design = design
	numSubjects, numFactors := design.Dims()

	contrasts, err := LoadMatrix(a.params.ContrastFile)
	if err != nil {
		return err
	}
	a.contrasts, err = glm.NormaliseContrasts(contrasts, numFactors+len(a.params.ElementColumns))
	if err != nil {
		return err
	}

	a.data, err = a.loadSubjectMatrix(a.params.SubjectsFile, numSubjects)
	if err != nil {
		return err
	}
	for _, columnList := range a.params.ElementColumns {
		extra, err := a.loadSubjectMatrix(columnList, numSubjects)
		if err != nil {
			return err
		}
		a.extras = append(a.extras, extra)
	}

	numContrasts, _ := a.contrasts.Dims()
	fmt.Printf("Loaded %d subjects, %d design factors, %d contrasts\n",
		numSubjects, numFactors+len(a.extras), numContrasts)
	return nil
}

func (a *Analysis) buildGraph(ctx context.Context) error {
	builder := connectivity.NewBuilder(a.atlas, connectivity.BuilderParams{
		AngularThreshold: a.params.AngularThreshold,
		Workers:          a.params.NumCores,
	})
	raw, err := builder.Build(ctx, a.params.TracksFile)
	if err != nil {
		return err
	}
	fmt.Printf("Mapped %d streamlines onto the fixel template\n", raw.NumTracks)

	a.cfeGraph, a.smoothGraph, err = connectivity.Normalise(raw, a.atlas, connectivity.NormaliseParams{
		ConnectivityThreshold: a.params.ConnectivityThreshold,
		SmoothFWHM:            a.params.SmoothFWHM,
		CFEExponentC:          a.params.C,
		Workers:               a.params.NumCores,
	})
	return err
}

func (a *Analysis) smoothData() {
	smoother := connectivity.NewSmoother(a.smoothGraph)
	numFixels, numSubjects := a.data.Dims()
	column := make([]float64, numFixels)
	for s := 0; s < numSubjects; s++ {
		mat.Col(column, s, a.data)
		a.data.SetCol(s, smoother.Smooth(column))
	}
	for i := 0; i < numFixels && !a.hasNaN; i++ {
		for s := 0; s < numSubjects; s++ {
			v := a.data.At(i, s)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				a.hasNaN = true
				break
			}
		}
	}
}

// buildTester selects the GLM path: the fixed-design batch test when the
// design is shared and the data all finite, the per-fixel variable-design
// test otherwise.
func (a *Analysis) buildTester() (stats.TTester, error) {
	if len(a.extras) == 0 && !a.hasNaN {
		scaled, err := glm.ScaleContrasts(a.contrasts, a.design)
		if err != nil {
			return nil, err
		}
		return glm.NewFixed(a.data, a.design, scaled), nil
	}
	fmt.Println("Using variable-design model (element-wise columns or non-finite data present)")
	return glm.NewVariable(a.data, a.design, a.extras, a.contrasts), nil
}

func (a *Analysis) writeModelFit(tester stats.TTester) error {
	var fit *glm.Stats
	switch t := tester.(type) {
	case *glm.Fixed:
		fit = t.AllStats(a.contrasts)
	case *glm.Variable:
		fit = t.AllStats()
	}

	for k, beta := range fit.Betas {
		if err := a.writeFixelData(fmt.Sprintf("beta%d.mif", k), beta); err != nil {
			return err
		}
	}
	numContrasts, _ := a.contrasts.Dims()
	for c := 0; c < numContrasts; c++ {
		suffix := outputSuffix(c, numContrasts)
		if err := a.writeFixelData("abs_effect"+suffix+".mif", fit.AbsEffect[c]); err != nil {
			return err
		}
		if err := a.writeFixelData("std_effect"+suffix+".mif", fit.StdEffect[c]); err != nil {
			return err
		}
		if err := a.writeFixelData("std_dev"+suffix+".mif", fit.StdDev); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) computeEmpirical(ctx context.Context, tester stats.TTester, enhancer *cfe.Enhancer, rng *rand.Rand) ([][]float64, error) {
	numSubjects, _ := a.design.Dims()
	var perms [][]int
	var err error
	if a.params.PermutationsNonstationaryFile != "" {
		perms, err = stats.LoadPermutations(a.params.PermutationsNonstationaryFile, numSubjects)
	} else {
		perms, err = stats.GeneratePermutations(a.params.NumPermsNonstationary, numSubjects, rng)
	}
	if err != nil {
		return nil, err
	}

	empirical, err := stats.EmpiricalCFE(ctx, tester, enhancer, perms, a.params.NumCores)
	if err != nil {
		return nil, err
	}
	numContrasts := tester.NumContrasts()
	for c := 0; c < numContrasts; c++ {
		suffix := outputSuffix(c, numContrasts)
		if err := a.writeFixelData("cfe_empirical"+suffix+".mif", empirical[c]); err != nil {
			return nil, err
		}
	}
	return empirical, nil
}

func (a *Analysis) writeObservedOnly(tester stats.TTester, enhancer *cfe.Enhancer, empirical [][]float64) error {
	numSubjects, _ := a.design.Dims()
	identity := make([]int, numSubjects)
	for i := range identity {
		identity[i] = i
	}

	numContrasts := tester.NumContrasts()
	numFixels := tester.NumFixels()
	tvals := make([][]float64, numContrasts)
	for c := range tvals {
		tvals[c] = make([]float64, numFixels)
	}
	tester.TValues(identity, tvals)

	enhanced := make([]float64, numFixels)
	adjusted := make([]float64, numFixels)
	for c := 0; c < numContrasts; c++ {
		suffix := outputSuffix(c, numContrasts)
		if err := a.writeFixelData("tvalue"+suffix+".mif", tvals[c]); err != nil {
			return err
		}
		enhancer.Enhance(tvals[c], enhanced)
		out := enhanced
		if empirical != nil {
			for i := range enhanced {
				if empirical[c][i] > 0 {
					adjusted[i] = enhanced[i] / empirical[c][i]
				} else {
					adjusted[i] = 0
				}
			}
			out = adjusted
		}
		if err := a.writeFixelData("cfe"+suffix+".mif", out); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) runPermutations(ctx context.Context, tester stats.TTester, enhancer *cfe.Enhancer, empirical [][]float64, rng *rand.Rand) error {
	numSubjects, _ := a.design.Dims()
	var perms [][]int
	var err error
	if a.params.PermutationsFile != "" {
		perms, err = stats.LoadPermutations(a.params.PermutationsFile, numSubjects)
	} else {
		perms, err = stats.GeneratePermutations(a.params.NumPerms, numSubjects, rng)
	}
	if err != nil {
		return err
	}
	if a.params.SavePermutations {
		if err := stats.SavePermutations(filepath.Join(a.params.OutputFixelDir, "permutations.txt"), perms); err != nil {
			return err
		}
	}

	result, err := stats.Run(ctx, tester, enhancer, perms, empirical, a.params.NumCores)
	if err != nil {
		return err
	}

	numContrasts := tester.NumContrasts()
	for c := 0; c < numContrasts; c++ {
		suffix := outputSuffix(c, numContrasts)
		if err := a.writeFixelData("tvalue"+suffix+".mif", result.ObservedT[c]); err != nil {
			return err
		}
		if err := a.writeFixelData("cfe"+suffix+".mif", result.ObservedCFE[c]); err != nil {
			return err
		}
		if err := SaveVector(filepath.Join(a.params.OutputFixelDir, "perm_dist"+suffix+".txt"), result.MaxDist[c]); err != nil {
			return err
		}
		fwe := stats.FWEPValues(result.MaxDist[c], result.ObservedCFE[c])
		if err := a.writeFixelData("fwe_pvalue"+suffix+".mif", fwe); err != nil {
			return err
		}
		if err := a.writeFixelData("uncorrected_pvalue"+suffix+".mif", result.UncorrectedP[c]); err != nil {
			return err
		}
		printDistSummary(suffix, result.MaxDist[c])
	}
	return nil
}

// printDistSummary reports the shape of the permutation-max distribution.
func printDistSummary(suffix string, dist []float64) {
	mean, _ := mstats.Mean(dist)
	median, _ := mstats.Median(dist)
	p95, _ := mstats.Percentile(dist, 95)
	sd := gstat.StdDev(dist, nil)
	fmt.Printf("Permutation distribution%s: mean=%.4g median=%.4g sd=%.4g p95=%.4g\n",
		suffix, mean, median, sd, p95)
}

func outputSuffix(c, numContrasts int) string {
	if numContrasts == 1 {
		return ""
	}
	return "_" + strconv.Itoa(c)
}

// writeFixelData writes a per-fixel vector as a fixel data image carrying
// the analysis metadata.
func (a *Analysis) writeFixelData(name string, values []float64) error {
	img := mif.NewFloatImage([]int{len(values), 1, 1})
	for i, v := range values {
		img.Float[i] = float32(v)
	}
	for key, value := range a.metadata() {
		img.Keyval[key] = value
	}
	return img.Write(filepath.Join(a.params.OutputFixelDir, name))
}

func (a *Analysis) metadata() map[string]string {
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		"num permutations":         strconv.Itoa(a.params.NumPerms),
		"dh":                       format(a.params.DH),
		"cfe_e":                    format(a.params.E),
		"cfe_h":                    format(a.params.H),
		"cfe_c":                    format(a.params.C),
		"angular threshold":        format(a.params.AngularThreshold),
		"connectivity threshold":   format(a.params.ConnectivityThreshold),
		"smoothing FWHM":           format(a.params.SmoothFWHM),
		"nonstationary adjustment": strconv.FormatBool(a.params.Nonstationary),
	}
}
