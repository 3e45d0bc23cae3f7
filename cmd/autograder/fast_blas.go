//go:build cgo && netlib

package main

// Loss and evaluation math runs on gonum/mat in float64; build with
// -tags netlib to route it through system BLAS as well.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled for float64 (netlib)")
}
