package db

import (
	"math/rand"
	"sort"
)

// FCPPairWithSameIndex picks one free device per path such that all of them
// sit at the same position inside their path (ordered by device number).
// With paths [fa00 fa01 fa02] and [fb00 fb01 fb02] the candidates are
// [fa00 fb00], [fa01 fb01] and [fa02 fb02]. One candidate is chosen at random.
// The result is ordered by path and empty when no such combination is free.
func (d *DB) FCPPairWithSameIndex() ([]string, error) {
	paths, byPath, err := d.recordsByPath()
	if err != nil || len(paths) == 0 {
		return nil, err
	}

	shortest := len(byPath[paths[0]])
	for _, p := range paths[1:] {
		if n := len(byPath[p]); n < shortest {
			shortest = n
		}
	}

	var candidates []int
	for i := 0; i < shortest; i++ {
		free := true
		for _, p := range paths {
			if !byPath[p][i].Free() {
				free = false
				break
			}
		}
		if free {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	idx := candidates[rand.Intn(len(candidates))]
	pair := make([]string, 0, len(paths))
	for _, p := range paths {
		pair = append(pair, byPath[p][idx].FCPID)
	}
	return pair, nil
}

// FCPPair picks one free device from every path independently, so any
// combination of the free devices may come back. The result is ordered by
// path and empty when some path has no free device.
func (d *DB) FCPPair() ([]string, error) {
	paths, byPath, err := d.recordsByPath()
	if err != nil || len(paths) == 0 {
		return nil, err
	}

	pair := make([]string, 0, len(paths))
	for _, p := range paths {
		var free []string
		for _, rec := range byPath[p] {
			if rec.Free() {
				free = append(free, rec.FCPID)
			}
		}
		if len(free) == 0 {
			return nil, nil
		}
		pair = append(pair, free[rand.Intn(len(free))])
	}
	return pair, nil
}

// recordsByPath groups all records by path, each group ordered by device number
func (d *DB) recordsByPath() ([]int, map[int][]*FCPRecord, error) {
	records, err := d.queryFCPs(selectFCP + ` ORDER BY path, fcp_id`)
	if err != nil {
		return nil, nil, err
	}

	byPath := make(map[int][]*FCPRecord)
	for _, rec := range records {
		byPath[rec.Path] = append(byPath[rec.Path], rec)
	}
	paths := make([]int, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Ints(paths)
	return paths, byPath, nil
}
