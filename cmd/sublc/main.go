package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/sbl8/sublation/compiler"
)

func main() {
	var (
		optimize      = flag.Bool("O", false, "Enable layout optimizations")
		validate      = flag.Bool("validate", true, "Validate graph structure")
		debug         = flag.Bool("debug", false, "Include debug symbols")
		verbose       = flag.Bool("v", false, "Enable verbose output")
		streams       = flag.Int("streams", 1, "Schedule the compiled graph across N concurrent streams ahead of time")
		scheduleTrace = flag.Bool("trace-schedule", false, "Log the scheduler's per-node diagnostic trace (requires -streams > 1)")
		version       = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("sublc - Sublation Compiler v1.0.0")
		fmt.Println("Built with Go", "1.22.2")
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <src.subs> <out.subl>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	srcFile, outFile := args[0], args[1]

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("failed to build logger: %v", err)
		}
		logger = l
	}
	defer logger.Sync()

	opts := compiler.CompileOptions{
		OptimizeLayout: *optimize,
		ValidateGraph:  *validate,
		DebugOutput:    *debug,
		Verbose:        *verbose,
		Streams:        *streams,
		ScheduleTrace:  *scheduleTrace,
		Logger:         logger,
	}

	if err := compiler.CompileWithOptions(srcFile, outFile, opts); err != nil {
		log.Fatalf("compilation failed: %v", err)
	}

	fmt.Printf("Successfully compiled %s -> %s\n", srcFile, outFile)
}
