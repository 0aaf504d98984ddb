// Package diag turns raw compiler output into structured diagnostics.
// The transform is pure and best-effort: input that matches nothing
// yields an empty slice, never an error.
package diag

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
)

var (
	reHeader   = regexp.MustCompile(`^error\[([A-Za-z0-9]+)\]: (.+)$`)
	reLocation = regexp.MustCompile(`^\s*--> ([^:]+):(\d+):(\d+)\s*$`)
)

// Build-progress and summary markers emitted by cargo/pop that carry no
// diagnostic value.
var noisePrefixes = []string{
	"Compiling ",
	"Checking ",
	"Downloading ",
	"Downloaded ",
	"Updating ",
	"Building ",
	"Finished ",
	"Fresh ",
	"Running ",
	"Blocking ",
	"warning:",
	"error: aborting",
	"error: could not compile",
	"For more information",
	"To learn more",
	"Some errors have detailed explanations",
}

func noise(line string) bool {
	for _, p := range noisePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Extract scans raw stderr text and returns the structured errors found,
// in input order. A line "error[CODE]: message" opens a record, a
// following "--> file:line:col" attaches its location, and any other
// non-blank, non-noise line is kept verbatim as a detail line. Text
// before the first recognized error line is dropped.
func Extract(raw string) []model.Diagnostic {
	var (
		out  []model.Diagnostic
		open *model.Diagnostic
	)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if m := reHeader.FindStringSubmatch(trimmed); m != nil {
			if open != nil {
				out = append(out, *open)
			}
			open = &model.Diagnostic{Code: m[1], Message: m[2]}
			continue
		}
		if open == nil {
			continue
		}
		if m := reLocation.FindStringSubmatch(line); m != nil && open.Pos == nil {
			lineNo, lineErr := strconv.Atoi(m[2])
			col, colErr := strconv.Atoi(m[3])
			if lineErr == nil && colErr == nil {
				open.Pos = &model.Position{File: m[1], Line: lineNo, Column: col}
				continue
			}
		}
		if trimmed == "" || noise(trimmed) {
			continue
		}
		open.Details = append(open.Details, line)
	}
	// scanner errors only mean over-long lines; the extractor stays silent
	if open != nil {
		out = append(out, *open)
	}
	return out
}
