package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"fingerid/config"
	"fingerid/engine"
	"fingerid/extractor"
	"fingerid/gallery"
	"fingerid/logging"
	"fingerid/matcher"
	"fingerid/retriever"
	"fingerid/scorer"
	"fingerid/server"
	"fingerid/signalhandler"
	"fingerid/store"
	"fingerid/utils"
)

func main() {
	args := utils.ParseArguments()
	if _, ok := args["help"]; ok {
		utils.PrintUsage()
		os.Exit(0)
	}

	cfg, err := config.Load(args["config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override both file and environment.
	if v, ok := args["listen"]; ok {
		cfg.Listen = v
	}
	if v, ok := args["database"]; ok {
		cfg.DatabasePath = v
	}
	if v, ok := args["logfile"]; ok {
		cfg.LogPath = v
	}
	if _, ok := args["debug"]; ok {
		cfg.Debug = true
	}

	if err := logging.SetupLogger(cfg.LogPath, cfg.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot set up logging: %v\n", err)
		os.Exit(1)
	}

	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	st, err := store.InitStoreWithRetry(cfg.DatabasePath, 3)
	if err != nil {
		logging.LogError("cannot open template store %s: %v", cfg.DatabasePath, err)
		logging.CloseLogger()
		os.Exit(1)
	}

	ext := extractor.New(cfg)
	index := gallery.NewIndex(st, ext)

	// Load the gallery before serving. A failure here is survivable: the
	// service starts with an empty gallery and /reload_index retries later.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	summary, err := index.RebuildAll(ctx)
	cancel()
	if err != nil {
		logging.LogWarning("startup gallery load failed, serving with empty gallery: %v", err)
	} else {
		logging.LogInfo("startup gallery loaded: %d employees, %d templates",
			summary.EmployeesLoaded, summary.TemplatesLoaded)
	}

	eng := engine.New(cfg, ext, index,
		retriever.NewEmbedding(cfg.ShortlistThreshold),
		scorer.New(matcher.New(cfg), cfg.ConsistencyFraction))

	srv := server.New(cfg, eng, index)

	signalhandler.SetupHandler(func() {
		logging.LogInfo("shutting down")
		srv.Shutdown()
		st.Close()
		logging.CloseLogger()
	})

	logging.LogInfo("fingerid listening on %s (database=%s, workers=%d)",
		cfg.Listen, cfg.DatabasePath, signalhandler.GetOptimalProcs())
	if err := srv.Listen(); err != nil {
		logging.LogError("server stopped: %v", err)
		st.Close()
		logging.CloseLogger()
		os.Exit(1)
	}
}
