package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// classIndex groups row indices by label, with labels in ascending order.
func classIndex(labels []int) ([]int, map[int][]int) {
	byClass := make(map[int][]int)
	for i, label := range labels {
		byClass[label] = append(byClass[label], i)
	}
	classes := make([]int, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	sort.Ints(classes)
	return classes, byClass
}

// StratifiedSplit partitions row indices into train and test sets while
// keeping class proportions. The same seed always yields the same split.
func StratifiedSplit(labels []int, testRatio float64, seed int64) (train []int, test []int, err error) {
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("%w: test ratio must be in (0,1), got %g", ErrConfiguration, testRatio)
	}
	n := len(labels)
	classes, byClass := classIndex(labels)
	for _, label := range classes {
		if len(byClass[label]) < 2 {
			return nil, nil, fmt.Errorf("%w: class %d has %d member, need at least 2", ErrInsufficientData, label, len(byClass[label]))
		}
	}

	nTest := int(math.Ceil(testRatio * float64(n)))
	nTrain := n - nTest
	if nTest < len(classes) || nTrain < len(classes) {
		return nil, nil, fmt.Errorf("%w: %d rows cannot hold %d classes in both splits", ErrInsufficientData, n, len(classes))
	}

	allocation := allocateTest(classes, byClass, nTest, n)
	rng := rand.New(rand.NewSource(seed))
	for _, label := range classes {
		members := append([]int(nil), byClass[label]...)
		rng.Shuffle(len(members), func(i, j int) {
			members[i], members[j] = members[j], members[i]
		})
		test = append(test, members[:allocation[label]]...)
		train = append(train, members[allocation[label]:]...)
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}

// allocateTest spreads nTest rows over classes by largest remainder,
// leaving at least one row of every class in the training side.
func allocateTest(classes []int, byClass map[int][]int, nTest, n int) map[int]int {
	type share struct {
		label     int
		remainder float64
	}
	allocation := make(map[int]int, len(classes))
	shares := make([]share, 0, len(classes))
	assigned := 0
	for _, label := range classes {
		exact := float64(len(byClass[label])) * float64(nTest) / float64(n)
		base := int(math.Floor(exact))
		if base > len(byClass[label])-1 {
			base = len(byClass[label]) - 1
		}
		allocation[label] = base
		assigned += base
		shares = append(shares, share{label: label, remainder: exact - float64(base)})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].remainder > shares[j].remainder
	})
	for assigned < nTest {
		progressed := false
		for _, s := range shares {
			if assigned >= nTest {
				break
			}
			if allocation[s.label] < len(byClass[s.label])-1 {
				allocation[s.label]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return allocation
}

// StratifiedKFold assigns every row to one of folds validation folds without
// shuffling. Each class is dealt out in contiguous runs so fold class
// proportions match the whole set as closely as possible.
func StratifiedKFold(labels []int, folds int) ([][]int, error) {
	if folds < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", ErrConfiguration, folds)
	}
	classes, byClass := classIndex(labels)
	for _, label := range classes {
		if len(byClass[label]) < folds {
			return nil, fmt.Errorf("%w: class %d has %d members, fewer than %d folds", ErrInsufficientData, label, len(byClass[label]), folds)
		}
	}

	ordered := make([]int, 0, len(labels))
	for _, label := range classes {
		ordered = append(ordered, byClass[label]...)
	}
	// allocation[f][label] counts the label among every folds-th row of the
	// class-sorted order starting at f.
	allocation := make([]map[int]int, folds)
	for f := range allocation {
		allocation[f] = make(map[int]int)
		for i := f; i < len(ordered); i += folds {
			allocation[f][labels[ordered[i]]]++
		}
	}

	result := make([][]int, folds)
	for _, label := range classes {
		members := byClass[label]
		start := 0
		for f := 0; f < folds; f++ {
			end := start + allocation[f][label]
			result[f] = append(result[f], members[start:end]...)
			start = end
		}
	}
	for f := range result {
		sort.Ints(result[f])
	}
	return result, nil
}

// complement returns the indices in [0,n) that are not in fold.
func complement(n int, fold []int) []int {
	skip := make(map[int]struct{}, len(fold))
	for _, idx := range fold {
		skip[idx] = struct{}{}
	}
	out := make([]int, 0, n-len(fold))
	for i := 0; i < n; i++ {
		if _, ok := skip[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
