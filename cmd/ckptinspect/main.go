// Command ckptinspect prints per-tensor statistics for a checkpoint and
// flags tensors with non-finite values or poor half-precision fit.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-autograder/internal/checkpoint"
)

type summary struct {
	Version   int                      `json:"version"`
	Precision checkpoint.Precision     `json:"precision"`
	Tensors   int                      `json:"tensors"`
	Elements  int                      `json:"elements"`
	Unhealthy []string                 `json:"unhealthy"`
	Details   []checkpoint.TensorStats `json:"details,omitempty"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	details := flag.Bool("details", false, "Include per-tensor statistics")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ckptinspect [-details] <checkpoint>")
		os.Exit(2)
	}

	snap, err := checkpoint.LoadFile(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load checkpoint")
	}
	if err := report(os.Stdout, snap, *details); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
}

func report(w io.Writer, snap *checkpoint.Snapshot, details bool) error {
	stats := snap.Stats()
	s := summary{
		Version:   snap.Version,
		Precision: snap.Precision,
		Tensors:   len(stats),
		Unhealthy: []string{},
	}
	for _, st := range stats {
		s.Elements += st.Rows * st.Cols
		if !st.Healthy() {
			s.Unhealthy = append(s.Unhealthy, st.Name)
		}
	}
	if details {
		s.Details = stats
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
