//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/client"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Stride Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	tokens := [][]int{
		{464, 2068, 7586},
		{15496, 995, 13},
	}

	// The server may still be warming up; retry until it answers.
	var lastErr error
	for i := 0; i < 10; i++ {
		start := time.Now()
		out, err := c.Forward(context.Background(), tokens)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Msg("Forward failed, retrying...")
			time.Sleep(time.Second)
			continue
		}
		log.Info().Dur("elapsed", time.Since(start)).Ints("logits", out.Logits.Shape()).Ints("present", out.Present.Shape()).Msg("Received result")

		shape := out.Logits.Shape()
		if shape[0] != len(tokens) || shape[1] != len(tokens[0]) {
			log.Fatal().Ints("shape", shape).Msg("Logits shape mismatch")
		}
		fmt.Println("VERIFICATION PASSED")
		return
	}
	log.Fatal().Err(lastErr).Msg("Server never answered")
}
