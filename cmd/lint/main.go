package main

import (
	"github.com/wheelhouse/wheelhouse/linters"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(linters.SpecTags)
}
