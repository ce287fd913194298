//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/weights"
)

// WeightDump holds the summary of a loaded tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float32   `json:"sum"`
}

func main() {
	checkpoint := flag.String("checkpoint", "stride.arrow", "Path to an Arrow checkpoint")
	dtype := flag.String("dtype", "fp32", "Store precision (fp32, fp16)")
	only := flag.String("param", "", "Dump a single parameter path (e.g. model.wte)")
	flag.Parse()

	dt, err := device.ParseDataType(*dtype)
	if err != nil {
		log.Fatal(err)
	}
	store := params.NewStore(0, dt)
	if _, err := weights.NewLoader(store, nil).LoadFile(*checkpoint); err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}

	selected := store.Parameters()
	if *only != "" {
		p, ok := store.Lookup(*only)
		if !ok {
			log.Fatalf("Parameter %q not in checkpoint", *only)
		}
		selected = []*params.Parameter{p}
	}

	dumps := make([]WeightDump, 0, len(selected))
	for _, p := range selected {
		data := p.Value.Data()
		wd := WeightDump{Name: p.Path, Shape: p.Value.Shape()}
		if len(data) > 0 {
			count := min(5, len(data))
			wd.FirstFew = data[:count]
			wd.LastFew = data[len(data)-count:]
			for _, v := range data {
				wd.Sum += v
			}
		}
		dumps = append(dumps, wd)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
