package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"reflect"

	"rfwatch/cluster"
	"rfwatch/grid"
	"rfwatch/models"
	"rfwatch/mq"
)

// Checks that grid aggregation and clustering produce identical output for
// the same batch regardless of input order.
func main() {
	cellSize := flag.Float64("cell", 50, "Grid cell size in meters")
	radius := flag.Float64("radius", 100, "Cluster radius in meters")
	minSize := flag.Int("min", 2, "Minimum cluster size")
	runs := flag.Int("runs", 5, "Number of shuffled runs")
	hex := flag.Bool("hex", false, "Use the hexagonal grid")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("Usage: check_determinism [flags] <signals.json>")
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("read signals: %v", err)
	}
	signals, err := mq.DecodeSignals(data)
	if err != nil {
		log.Fatalf("decode signals: %v", err)
	}
	log.Printf("Testing determinism with %d signals\n", len(signals))

	agg := grid.NewAggregator(*cellSize)
	aggregate := agg.ProcessGrid
	if *hex {
		aggregate = agg.ProcessHexGrid
	}

	baseCells := aggregate(signals, *cellSize, nil)
	baseClusters := cluster.ClusterSignals(signals, *radius, *minSize)
	fmt.Printf("Run 1: %d cells, %d clusters\n", len(baseCells), len(baseClusters))

	identical := true
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 2; i <= *runs; i++ {
		shuffled := append([]models.SignalRecord(nil), signals...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		cells := aggregate(shuffled, *cellSize, nil)
		clusters := cluster.ClusterSignals(shuffled, *radius, *minSize)
		fmt.Printf("Run %d: %d cells, %d clusters\n", i, len(cells), len(clusters))

		if !reflect.DeepEqual(baseCells, cells) {
			identical = false
			fmt.Printf("❌ Grid output differs between run 1 and run %d\n", i)
		}
		if !reflect.DeepEqual(baseClusters, clusters) {
			identical = false
			fmt.Printf("❌ Cluster output differs between run 1 and run %d\n", i)
		}
	}

	fmt.Println("\n=== Determinism Check ===")
	if identical {
		fmt.Println("✅ All runs produced IDENTICAL grid and cluster output")
		return
	}
	fmt.Println("❌ Output depends on input order")
	os.Exit(1)
}
