// Command kvcache reads and writes JSON values in a cache service.
//
//	kvcache [flags] get|exists|delete <key>
//	kvcache [flags] set <key> <json>
//	kvcache [flags] delete-many <key>...
//	kvcache [flags] clear
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrife/kvcache/client"
	"github.com/jrife/kvcache/config"
	"github.com/jrife/kvcache/transport/clients"
	"github.com/jrife/kvcache/utils/log"
)

func main() {
	service := flag.String("service", "fabric:/CacheApp/CacheService", "Name of the cache service")
	entity := flag.String("entity", "", "Entity name prefixing every key")
	ttl := flag.Duration("ttl", 0, "Expiry of values written by set, 0 for none")
	flag.Parse()

	cfg, err := config.ParseClientConfig()

	if err != nil {
		stdlog.Fatalf("parse config: %v", err)
	}

	logger, err := log.New(cfg.LogLevel)

	if err != nil {
		stdlog.Fatalf("create logger: %v", err)
	}

	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	discoverer, closer, err := cfg.Discoverer()

	if err != nil {
		stdlog.Fatalf("discovery: %v", err)
	}

	defer closer.Close()

	topology := client.NewTopology(discoverer, clients.NewFactory(
		clients.WithProxySettings(cfg.ProxySettings()),
		clients.WithLogger(logger),
	))
	defer topology.Close()

	cache, err := client.New(*service, topology,
		client.WithFormat[json.RawMessage](cfg.CodecFormat()),
		client.WithFanOutLimit[json.RawMessage](cfg.FanOutLimit),
		client.WithLogger[json.RawMessage](logger),
	)

	if err != nil {
		stdlog.Fatalf("create cache: %v", err)
	}

	if *entity != "" {
		cache = cache.WithEntity(*entity)
	}

	if err := run(ctx, cache, *ttl, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cache *client.Cache[json.RawMessage], ttl time.Duration, args []string) error {
	if len(args) == 0 {
		return errors.New("a command is required")
	}

	command, args := args[0], args[1:]

	switch {
	case command == "get" && len(args) == 1:
		value, found, err := cache.Get(ctx, args[0])

		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%s not found", args[0])
		}

		fmt.Println(string(value))
	case command == "exists" && len(args) == 1:
		return printResult(cache.Exists(ctx, args[0]))
	case command == "set" && len(args) == 2:
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("value is not valid JSON: %s", args[1])
		}

		return printResult(cache.Set(ctx, args[0], json.RawMessage(args[1]), ttl))
	case command == "delete" && len(args) == 1:
		return printResult(cache.Delete(ctx, args[0]))
	case command == "delete-many" && len(args) > 0:
		deleted, err := cache.DeleteMany(ctx, args)

		if err != nil {
			return err
		}

		fmt.Println(deleted)
	case command == "clear" && len(args) == 0:
		return printResult(cache.ClearAll(ctx))
	default:
		return fmt.Errorf("unknown command or wrong number of arguments: %s %v", command, args)
	}

	return nil
}

func printResult(result bool, err error) error {
	if err != nil {
		return err
	}

	fmt.Println(result)

	return nil
}
