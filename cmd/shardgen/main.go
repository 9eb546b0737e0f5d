// shardgen writes a deterministic synthetic dataset of shard files: circling
// trajectories with occasional sampling gaps. Useful for exercising the
// builder CLI without a real capture.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"go.uber.org/zap"
)

var (
	outDir       = flag.String("o", "./data", "output directory for shard files")
	numShards    = flag.Int("shards", 4, "number of shard files (consecutive intervals)")
	intervalSize = flag.Int("interval", 16, "time steps per shard")
	numTraj      = flag.Int("traj", 32, "number of trajectories")
	worldRadius  = flag.Float64("radius", 100.0, "radius of the circular paths")
)

func main() {
	flag.Parse()

	log, err := logger.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	nan := float32(math.NaN())

	for s := 0; s < *numShards; s++ {
		entries := make([]shard.Entry, 0, *numTraj)
		intervalStart := s * *intervalSize

		for id := 1; id <= *numTraj; id++ {
			positions := make([]geo.Vec3, *intervalSize)
			phase := 2 * math.Pi * float64(id) / float64(*numTraj)

			for i := range positions {
				ts := intervalStart + i
				// every 7th sample of every 3rd trajectory is a gap
				if id%3 == 0 && ts%7 == 0 {
					positions[i] = geo.NewVec3(nan, nan, nan)
					continue
				}
				angle := phase + 0.05*float64(ts)
				r := *worldRadius * (0.5 + 0.5*float64(id)/float64(*numTraj))
				positions[i] = geo.NewVec3(
					float32(r*math.Cos(angle)),
					float32(r*math.Sin(angle)),
					float32(10*math.Sin(0.1*float64(ts)+phase)))
			}

			entries = append(entries, shard.Entry{
				TrajectoryID: uint32(id),
				Positions:    positions,
			})
		}

		path := filepath.Join(*outDir, fmt.Sprintf("shard-%d.bin", s))
		if err := shard.WriteFile(path, int32(s), int32(*intervalSize), entries); err != nil {
			log.Error("failed to write shard", zap.String("path", path), zap.Error(err))
			os.Exit(1)
		}
		log.Info("wrote shard", zap.String("path", path), zap.Int("trajectories", len(entries)))
	}
}
