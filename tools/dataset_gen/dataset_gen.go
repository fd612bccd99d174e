package main

// dataset_gen generates a synthetic object/association dataset for load
// testing a taodb node outside `go test`: a population of objects followed
// by a stream of association edges whose per-object fan-out follows either
// a uniform or Zipf distribution, generalizing the teacher's raw uint64 key
// generator (tools/dataset_gen) into TAO Core's domain model.
//
// Usage:
//
//	go run ./tools/dataset_gen -objects 100000 -edges 1000000 -dist zipf -seed 42 -out dataset.jsonl
//
// Output is newline-delimited JSON: one "object" record per object followed
// by "assoc" records, so a loader can stream the file in order and always
// see an object before any edge that references it.
//
// © 2025 taodb authors. MIT License.

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

type objectRecord struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

type assocRecord struct {
	Kind string `json:"kind"`
	ID1  uint64 `json:"id1"`
	Type string `json:"type"`
	ID2  uint64 `json:"id2"`
	Time int64  `json:"time"`
}

var edgeTypes = []string{"like", "friend", "follows", "comment"}

func main() {
	var (
		objects = flag.Int("objects", 100_000, "number of synthetic objects to generate")
		edges   = flag.Int("edges", 1_000_000, "number of synthetic association edges to generate")
		dist    = flag.String("dist", "uniform", "source-object distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1), used when -dist=zipf")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>0), used when -dist=zipf")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	rnd := rand.New(rand.NewSource(*seedVal))

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dataset_gen: cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()
	enc := json.NewEncoder(w)

	for i := 0; i < *objects; i++ {
		if err := enc.Encode(objectRecord{Kind: "object", ID: uint64(i + 1), Type: "user"}); err != nil {
			fmt.Fprintln(os.Stderr, "dataset_gen:", err)
			os.Exit(1)
		}
	}

	var sourcePick func() uint64
	switch *dist {
	case "uniform":
		sourcePick = func() uint64 { return uint64(rnd.Intn(*objects) + 1) }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV <= 0 {
			fmt.Fprintln(os.Stderr, "dataset_gen: zipfs must be >1 and zipfv >0")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, uint64(*objects-1))
		sourcePick = func() uint64 { return z.Uint64() + 1 }
	default:
		fmt.Fprintln(os.Stderr, "dataset_gen: unknown dist:", *dist)
		os.Exit(1)
	}

	baseTime := time.Now().UnixMilli()
	for i := 0; i < *edges; i++ {
		rec := assocRecord{
			Kind: "assoc",
			ID1:  sourcePick(),
			Type: edgeTypes[rnd.Intn(len(edgeTypes))],
			ID2:  uint64(rnd.Intn(*objects) + 1),
			Time: baseTime + int64(i),
		}
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintln(os.Stderr, "dataset_gen:", err)
			os.Exit(1)
		}
	}
}
