package main

import (
	"fmt"
	"os"

	"github.com/dxnetwork/dxd/internal/history"
)

// openHistory opens an existing history database read path; a missing
// file is reported instead of silently created.
func openHistory(path string) (*history.Log, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no history at %s (is the daemon running?)", path)
	}
	return history.Open(path)
}
