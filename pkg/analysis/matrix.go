package analysis

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"fixelcfe/internal/models"
)

// LoadMatrix reads a whitespace-delimited numeric text matrix. Empty lines
// and lines starting with '#' are skipped; all rows must have the same
// number of columns.
func LoadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening matrix %q: %w: %v", path, models.ErrFileIO, err)
	}
	defer f.Close()

	var rows [][]float64
	cols := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix %q line %d: %q is not a number: %w",
					path, line, field, models.ErrInputInvalid)
			}
			row[i] = v
		}
		if cols == 0 {
			cols = len(row)
		} else if len(row) != cols {
			return nil, fmt.Errorf("matrix %q line %d has %d columns, expected %d: %w",
				path, line, len(row), cols, models.ErrInputInvalid)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading matrix %q: %w: %v", path, models.ErrFileIO, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("matrix %q is empty: %w", path, models.ErrInputInvalid)
	}

	m := mat.NewDense(len(rows), cols, nil)
	for r, row := range rows {
		m.SetRow(r, row)
	}
	return m, nil
}

// LoadLines reads a text file into its non-empty trimmed lines, one file
// path per line.
func LoadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening list %q: %w: %v", path, models.ErrFileIO, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading list %q: %w: %v", path, models.ErrFileIO, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("list %q is empty: %w", path, models.ErrInputInvalid)
	}
	return lines, nil
}

// SaveVector writes one value per line in full float precision.
func SaveVector(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %q: %w: %v", path, models.ErrFileIO, err)
	}
	w := bufio.NewWriter(f)
	for _, v := range values {
		w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %q: %w: %v", path, models.ErrFileIO, err)
	}
	return f.Close()
}
