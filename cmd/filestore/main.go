// Command filestore checks a storage backend and moves files in and out of
// it.
//
// Usage:
//
//	filestore --config filestore.yaml check
//	filestore ls reports
//	filestore put ./today.csv reports/today.csv
//	filestore cat reports/today.csv
//	filestore exists reports/today.csv
//	filestore rm reports/today.csv
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
