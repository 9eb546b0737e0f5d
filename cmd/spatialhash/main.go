package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/builder"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s build [options] <shard dir | shard files...>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  build    Build spatial hash tables from trajectory shard files\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	fmt.Fprintf(os.Stderr, "  -o <dir>     Output dataset directory (default: the shard directory)\n")
	fmt.Fprintf(os.Stderr, "  -c <size>    Cell size for the spatial hash (default: 10.0)\n")
	fmt.Fprintf(os.Stderr, "  -m <margin>  Bounding box margin (default: 1.0)\n")
	fmt.Fprintf(os.Stderr, "  -b <n>       Shard batch size (default: %d)\n", builder.DefaultBatchSize)
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "build" {
		usage()
		os.Exit(1)
	}

	// config.yaml in the working directory seeds the defaults; flags win
	opts := util.DefaultBuildOptions()
	if err := util.ReadConfig("."); err == nil {
		if fromFile, err := util.LoadBuildOptions(); err == nil {
			opts = fromFile
		}
	}

	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("o", "", "output dataset directory")
	cellSize := fs.Float64("c", float64(opts.CellSize), "cell size")
	margin := fs.Float64("m", float64(opts.BoundingBoxMargin), "bounding box margin")
	batchSize := fs.Int("b", opts.BatchSize, "shard batch size")

	// flags may come before or after the shard arguments
	var shardArgs []string
	rest := os.Args[2:]
	for {
		if err := fs.Parse(rest); err != nil {
			os.Exit(1)
		}
		if fs.NArg() == 0 {
			break
		}
		shardArgs = append(shardArgs, fs.Arg(0))
		rest = fs.Args()[1:]
	}

	if len(shardArgs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no shard files or directory specified")
		usage()
		os.Exit(1)
	}
	if *cellSize <= 0 {
		fmt.Fprintln(os.Stderr, "Error: cell size must be positive")
		os.Exit(1)
	}

	shardDir, err := resolveShardDir(shardArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *outDir == "" {
		*outDir = shardDir
	}

	log, err := logger.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ib := builder.NewIncrementalBuilder(shard.NewBinaryReader(), log)
	summary, err := ib.Build(builder.Config{
		DatasetDir:         *outDir,
		CellSize:           float32(*cellSize),
		BoundingBoxMargin:  float32(*margin),
		ComputeBoundingBox: true,
		BatchSize:          *batchSize,
	})
	if err != nil {
		log.Error("build failed", zap.Error(err))
		os.Exit(1)
	}

	log.Info("build succeeded",
		zap.Int("shards", summary.ShardsScanned),
		zap.Int("tables", summary.TablesWritten),
		zap.Int32("minTimeStep", summary.GlobalMinTimeStep),
		zap.Int32("maxTimeStep", summary.GlobalMaxTimeStep))
}

// resolveShardDir accepts either one directory or a list of shard files that
// must all live in the same directory.
func resolveShardDir(args []string) (string, error) {
	if len(args) == 1 {
		info, err := os.Stat(args[0])
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return args[0], nil
		}
	}

	dir := ""
	for _, arg := range args {
		if _, err := shard.ParseTimestepFromFilename(arg); err != nil {
			return "", fmt.Errorf("%s is not a shard file: %w", arg, err)
		}
		argDir := filepath.Dir(arg)
		if dir == "" {
			dir = argDir
		} else if dir != argDir {
			return "", fmt.Errorf("shard files span multiple directories (%s, %s)", dir, argDir)
		}
	}
	return dir, nil
}
