package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the effective configuration, check the cache backend and try a realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Server.UserID, "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Transport:   %s\n", cfg.Server.Transport)
		fmt.Printf("  Cache:       %s\n", cfg.Cache.Backend)
		fmt.Printf("  Page size:   %d\n", cfg.Sync.PageSize)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		cache, err := chatsync.OpenCache(ctx, cfg.Cache)
		switch {
		case err != nil:
			fmt.Printf("  Cache:       error: %v\n", err)
		case cache == nil:
			fmt.Println("  Cache:       disabled")
		default:
			fmt.Println("  Cache:       ok")
			if rc, ok := cache.(*chatsync.RedisCache); ok {
				rc.Close()
			}
		}

		client, err := getClient(cfg)
		if err != nil {
			fmt.Printf("  Realtime:    %v\n", err)
			return nil
		}
		cfg.Server.Transport = valueOrDefault(cfg.Server.Transport, "ws")
		conn, err := newTransport(cfg, client.BaseURL(), newLogger(cfg))
		if err != nil {
			fmt.Printf("  Realtime:    %v\n", err)
			return nil
		}
		if err := conn.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:    error: %v\n", err)
			return nil
		}
		conn.Disconnect()
		fmt.Println("  Realtime:    ok")
		return nil
	},
}
