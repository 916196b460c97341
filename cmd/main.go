package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avatar-relay/avatar-relay/pkg/server"
	"github.com/avatar-relay/avatar-relay/pkg/trace"
)

func main() {
	godotenv.Load()

	if err := trace.Initialize(context.Background(), trace.DefaultConfig()); err != nil {
		log.Printf("trace init failed, continuing without tracing: %v", err)
	}

	cfg := server.ConfigFromEnv()
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("server setup failed: %v", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := trace.Shutdown(ctx); err != nil {
		log.Printf("trace shutdown error: %v", err)
	}
}
