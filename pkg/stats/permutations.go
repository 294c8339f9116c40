// Package stats drives the permutation testing phase: permutation
// generation, the worker pool running the per-permutation GLM and
// enhancement, and the conversion of max-statistic distributions into
// family-wise error corrected p-values.
package stats

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"fixelcfe/internal/models"
)

// permKey encodes a permutation for duplicate detection.
func permKey(perm []int) string {
	var b strings.Builder
	for _, v := range perm {
		b.WriteString(strconv.Itoa(v))
		b.WriteByte(',')
	}
	return b.String()
}

// permutationCapacity returns numSubjects! saturated at MaxInt64.
func permutationCapacity(numSubjects int) int64 {
	capacity := int64(1)
	for i := 2; i <= numSubjects; i++ {
		if capacity > math.MaxInt64/int64(i) {
			return math.MaxInt64
		}
		capacity *= int64(i)
	}
	return capacity
}

// GeneratePermutations draws numPerms unique permutations of the subject
// indices. The identity is always the first permutation; the remainder are
// sampled uniformly with rejection of duplicates. Requests exceeding the
// numSubjects! unique permutations fail rather than loop.
func GeneratePermutations(numPerms, numSubjects int, rng *rand.Rand) ([][]int, error) {
	if numPerms < 1 || numSubjects < 1 {
		return nil, fmt.Errorf("need at least one permutation of at least one subject: %w", models.ErrInputInvalid)
	}
	if int64(numPerms) > permutationCapacity(numSubjects) {
		return nil, fmt.Errorf("%d permutations requested but only %d subjects: %w",
			numPerms, numSubjects, models.ErrPermutationSpaceExhausted)
	}

	perms := make([][]int, 0, numPerms)
	seen := make(map[string]struct{}, numPerms)

	identity := make([]int, numSubjects)
	for i := range identity {
		identity[i] = i
	}
	perms = append(perms, identity)
	seen[permKey(identity)] = struct{}{}

	for len(perms) < numPerms {
		perm := rng.Perm(numSubjects)
		key := permKey(perm)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		perms = append(perms, perm)
	}
	return perms, nil
}

// LoadPermutations reads permutations from a text file, one per line, each
// a whitespace-separated list of zero-based subject indices forming a
// bijection of [0, numSubjects).
func LoadPermutations(path string, numSubjects int) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening permutations %q: %w: %v", path, models.ErrFileIO, err)
	}
	defer f.Close()

	var perms [][]int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != numSubjects {
			return nil, fmt.Errorf("permutations %q line %d: %d indices for %d subjects: %w",
				path, line, len(fields), numSubjects, models.ErrInputInvalid)
		}
		perm := make([]int, numSubjects)
		seen := make([]bool, numSubjects)
		for i, field := range fields {
			v, err := strconv.Atoi(field)
			if err != nil || v < 0 || v >= numSubjects || seen[v] {
				return nil, fmt.Errorf("permutations %q line %d is not a permutation of 0..%d: %w",
					path, line, numSubjects-1, models.ErrInputInvalid)
			}
			seen[v] = true
			perm[i] = v
		}
		perms = append(perms, perm)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading permutations %q: %w: %v", path, models.ErrFileIO, err)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("permutations %q holds no permutations: %w", path, models.ErrInputInvalid)
	}
	return perms, nil
}

// SavePermutations writes permutations in the format LoadPermutations reads.
func SavePermutations(path string, perms [][]int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating permutations %q: %w: %v", path, models.ErrFileIO, err)
	}
	w := bufio.NewWriter(f)
	for _, perm := range perms {
		for i, v := range perm {
			if i > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(strconv.Itoa(v))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing permutations %q: %w: %v", path, models.ErrFileIO, err)
	}
	return f.Close()
}
