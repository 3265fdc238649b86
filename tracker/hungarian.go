package tracker

import (
	"math"
)

// solveAssignment computes a minimum-cost assignment of rows to columns on a
// dense rectangular cost matrix using the Hungarian (Munkres) algorithm.
// The result has one entry per row: the assigned column index, or -1 when
// the row is left unmatched.  Negative costs are allowed.  An empty matrix
// yields an empty assignment.
func solveAssignment(cost [][]float64) []int {

	nRows := len(cost)

	if nRows == 0 {
		return nil
	}

	nCols := len(cost[0])
	assignment := make([]int, nRows)

	if nCols == 0 {
		for i := range assignment {
			assignment[i] = -1
		}
		return assignment
	}

	// flatten to a column-major scratch buffer the reduction steps mutate
	dist := make([]float64, nRows*nCols)

	for i := 0; i < nRows; i++ {
		for j := 0; j < nCols; j++ {
			dist[i+nRows*j] = cost[i][j]
		}
	}

	s := &munkresState{
		dist:        dist,
		nRows:       nRows,
		nCols:       nCols,
		minDim:      nRows,
		star:        make([]bool, nRows*nCols),
		newStar:     make([]bool, nRows*nCols),
		prime:       make([]bool, nRows*nCols),
		coveredRows: make([]bool, nRows),
		coveredCols: make([]bool, nCols),
		assignment:  assignment,
	}

	if nCols < nRows {
		s.minDim = nCols
	}

	s.solve()

	return assignment
}

// munkresState holds the working arrays of one Munkres run
type munkresState struct {
	dist        []float64
	star        []bool
	newStar     []bool
	prime       []bool
	coveredRows []bool
	coveredCols []bool
	assignment  []int
	nRows       int
	nCols       int
	minDim      int
}

// solve runs the preliminary reduction followed by the covering loop
func (s *munkresState) solve() {

	if s.nRows <= s.nCols {

		// row reduction
		for row := 0; row < s.nRows; row++ {

			minVal := s.dist[row]

			for col := 1; col < s.nCols; col++ {
				if v := s.dist[row+s.nRows*col]; v < minVal {
					minVal = v
				}
			}

			for col := 0; col < s.nCols; col++ {
				s.dist[row+s.nRows*col] -= minVal
			}
		}

		for row := 0; row < s.nRows; row++ {
			for col := 0; col < s.nCols; col++ {
				if math.Abs(s.dist[row+s.nRows*col]) < epsilonZero && !s.coveredCols[col] {
					s.star[row+s.nRows*col] = true
					s.coveredCols[col] = true
					break
				}
			}
		}

	} else {

		// column reduction
		for col := 0; col < s.nCols; col++ {

			minVal := s.dist[s.nRows*col]

			for row := 1; row < s.nRows; row++ {
				if v := s.dist[row+s.nRows*col]; v < minVal {
					minVal = v
				}
			}

			for row := 0; row < s.nRows; row++ {
				s.dist[row+s.nRows*col] -= minVal
			}
		}

		for col := 0; col < s.nCols; col++ {
			for row := 0; row < s.nRows; row++ {
				if math.Abs(s.dist[row+s.nRows*col]) < epsilonZero && !s.coveredRows[row] {
					s.star[row+s.nRows*col] = true
					s.coveredCols[col] = true
					s.coveredRows[row] = true
					break
				}
			}
		}

		for row := 0; row < s.nRows; row++ {
			s.coveredRows[row] = false
		}
	}

	s.coverStarredColumns()
}

// epsilonZero is the tolerance below which a reduced cost counts as zero
const epsilonZero = 2.220446049250313e-16

// buildAssignment extracts the row assignments from the star matrix
func (s *munkresState) buildAssignment() {

	for row := 0; row < s.nRows; row++ {
		s.assignment[row] = -1
		for col := 0; col < s.nCols; col++ {
			if s.star[row+s.nRows*col] {
				s.assignment[row] = col
				break
			}
		}
	}
}

// coverColumnsOfStars covers each column containing a starred zero, then
// re-checks the termination condition
func (s *munkresState) coverColumnsOfStars() {

	for col := 0; col < s.nCols; col++ {
		for row := 0; row < s.nRows; row++ {
			if s.star[row+s.nRows*col] {
				s.coveredCols[col] = true
				break
			}
		}
	}

	s.coverStarredColumns()
}

// coverStarredColumns terminates once minDim columns are covered, otherwise
// continues priming zeros
func (s *munkresState) coverStarredColumns() {

	covered := 0

	for col := 0; col < s.nCols; col++ {
		if s.coveredCols[col] {
			covered++
		}
	}

	if covered == s.minDim {
		s.buildAssignment()
		return
	}

	s.primeZeros()
}

// primeZeros primes uncovered zeros until either an augmenting path start is
// found or no uncovered zero remains
func (s *munkresState) primeZeros() {

	zerosFound := true

	for zerosFound {
		zerosFound = false

		for col := 0; col < s.nCols; col++ {
			if s.coveredCols[col] {
				continue
			}

			for row := 0; row < s.nRows; row++ {
				if s.coveredRows[row] || math.Abs(s.dist[row+s.nRows*col]) >= epsilonZero {
					continue
				}

				s.prime[row+s.nRows*col] = true

				starCol := -1
				for c := 0; c < s.nCols; c++ {
					if s.star[row+s.nRows*c] {
						starCol = c
						break
					}
				}

				if starCol >= 0 {
					s.coveredRows[row] = true
					s.coveredCols[starCol] = false
					zerosFound = true
					break
				}

				// no star in this row: augment from here
				s.augmentPath(row, col)
				return
			}
		}
	}

	s.adjustCosts()
}

// augmentPath flips the alternating star/prime path starting at the given
// primed zero, then resets covers and primes
func (s *munkresState) augmentPath(row, col int) {

	copy(s.newStar, s.star)
	s.newStar[row+s.nRows*col] = true

	starRow := -1
	for r := 0; r < s.nRows; r++ {
		if s.star[r+s.nRows*col] {
			starRow = r
			break
		}
	}

	for starRow >= 0 {

		s.newStar[starRow+s.nRows*col] = false

		primeCol := -1
		for c := 0; c < s.nCols; c++ {
			if s.prime[starRow+s.nRows*c] {
				primeCol = c
				break
			}
		}

		s.newStar[starRow+s.nRows*primeCol] = true
		col = primeCol

		starRow = -1
		for r := 0; r < s.nRows; r++ {
			if s.star[r+s.nRows*col] {
				starRow = r
				break
			}
		}
	}

	copy(s.star, s.newStar)

	for i := range s.prime {
		s.prime[i] = false
	}
	for i := range s.coveredRows {
		s.coveredRows[i] = false
	}

	s.coverColumnsOfStars()
}

// adjustCosts shifts the reduced costs by the smallest uncovered value and
// resumes priming
func (s *munkresState) adjustCosts() {

	minVal := math.MaxFloat64

	for row := 0; row < s.nRows; row++ {
		if s.coveredRows[row] {
			continue
		}
		for col := 0; col < s.nCols; col++ {
			if s.coveredCols[col] {
				continue
			}
			if v := s.dist[row+s.nRows*col]; v < minVal {
				minVal = v
			}
		}
	}

	for row := 0; row < s.nRows; row++ {
		if !s.coveredRows[row] {
			continue
		}
		for col := 0; col < s.nCols; col++ {
			s.dist[row+s.nRows*col] += minVal
		}
	}

	for col := 0; col < s.nCols; col++ {
		if s.coveredCols[col] {
			continue
		}
		for row := 0; row < s.nRows; row++ {
			s.dist[row+s.nRows*col] -= minVal
		}
	}

	s.primeZeros()
}
