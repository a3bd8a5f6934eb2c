package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	relay "github.com/chatmesh/relay"
)

var (
	flagBindAddr = flag.String("port", "", "Bind address, overrides RELAY_BIND_ADDR")
	flagMongoURL = flag.String("db", "", "MongoDB connection string, overrides MONGODB_URL")
)

func main() {
	flag.Parse()
	// optional; real deployments set real environment variables
	_ = godotenv.Load("variables.env")

	var cfg relay.Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(1)
	}
	if *flagBindAddr != "" {
		cfg.BindAddr = *flagBindAddr
	}
	if *flagMongoURL != "" {
		cfg.Storage.URL = *flagMongoURL
	}
	if cfg.Storage.URL == "" {
		flag.Usage()
		os.Exit(1)
	}
	relay.RunRelayServer(cfg)
}
