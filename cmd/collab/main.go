package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "collabmesh/configs"
	"collabmesh/pkg/collab"
	"collabmesh/pkg/eventloop"
	"collabmesh/pkg/logger"
	"collabmesh/pkg/persistence"
)

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "collab: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.ClientConfig) *cobra.Command {
	root := &cobra.Command{
		Use:          "collab",
		Short:        "Join collaboration rooms from the terminal",
		SilenceUsage: true,
	}
	root.AddCommand(newJoinCommand(cfg))
	return root
}

func newJoinCommand(cfg *config.ClientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and read commands from stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Room = args[0]
			}
			return join(cmd.Context(), cfg)
		},
	}

	// Flags default to the environment, so a flag always wins.
	f := cmd.Flags()
	f.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay websocket URL")
	f.StringSliceVar(&cfg.SignalingURLs, "signaling", cfg.SignalingURLs, "signaling server URLs (default: derived from --server)")
	f.BoolVar(&cfg.EnableMesh, "mesh", cfg.EnableMesh, "connect to peers directly when possible")
	f.StringVar(&cfg.Token, "token", cfg.Token, "token sent to the relay on join")
	f.StringVar(&cfg.Password, "password", cfg.Password, "room password for encrypted peer signaling")
	f.StringVar(&cfg.UserName, "name", cfg.UserName, "display name (default: a random demo name)")
	f.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "SQLite file that keeps the room across runs")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "presence heartbeat interval")
	f.DurationVar(&cfg.LeaderTimeout, "leader-timeout", cfg.LeaderTimeout, "heartbeat age after which a leader is replaced")
	f.DurationVar(&cfg.FallbackDelay, "fallback-delay", cfg.FallbackDelay, "how long a failing mesh may stay in error before it is dropped")
	f.StringSliceVar(&cfg.ICEServers, "ice", cfg.ICEServers, "STUN/TURN server URLs")
	f.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	return cmd
}

func join(ctx context.Context, cfg *config.ClientConfig) error {
	room, err := collab.NormalizeName(cfg.Room)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}

	// Logs go to stderr so stdout stays readable.
	if cfg.Log.OutputPath == "" || cfg.Log.OutputPath == "stdout" {
		cfg.Log.OutputPath = "stderr"
	}
	cfg.Log.Encoding = "console"
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	user := collab.NewIdentity(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid()))))
	if cfg.UserName != "" {
		if user.Name, err = collab.NormalizeName(cfg.UserName); err != nil {
			return fmt.Errorf("name: %w", err)
		}
	}

	loop := eventloop.New(log)
	defer loop.Close()

	var (
		coord   *collab.Coordinator
		cache   *persistence.Cache
		s       *session
		initErr error
	)
	loop.Do(func() {
		coord, initErr = collab.New(collab.Options{
			Room:          room,
			User:          user,
			ServerURL:     cfg.ServerURL,
			SignalingURLs: cfg.SignalingURLs,
			DisableMesh:   !cfg.EnableMesh,
			Token:         cfg.Token,
			Password:      cfg.Password,
			ICEServers:    cfg.ICEServers,
			FallbackDelay: cfg.FallbackDelay,
			LeaderTimeout: cfg.LeaderTimeout,
			Dispatcher:    loop,
			Logger:        log,
		})
		if initErr != nil {
			return
		}
		if cfg.CachePath != "" {
			cache, initErr = persistence.Open(ctx, persistence.Options{
				Path:       cfg.CachePath,
				Room:       room,
				Doc:        coord.Doc(),
				Dispatcher: loop,
				Logger:     log,
			})
			if initErr != nil {
				coord.Destroy()
				return
			}
		}
		s = newSession(coord, os.Stdout)
	})
	if initErr != nil {
		return initErr
	}

	if cache != nil {
		select {
		case <-cache.Ready():
			if err := cache.Err(); err != nil {
				log.Warn("Cached room could not be restored", zap.Error(err))
			}
		case <-ctx.Done():
		}
	}

	loop.Do(func() {
		s.watch()
		coord.StartHeartbeat(cfg.HeartbeatInterval)
		coord.Connect()
	})
	fmt.Fprintf(os.Stdout, "joined %q as %s (type help for commands)\n", room, user.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for quit := false; !quit; {
		select {
		case <-ctx.Done():
			quit = true
		case line, ok := <-lines:
			if !ok {
				quit = true
				break
			}
			loop.Do(func() {
				var err error
				quit, err = s.exec(line)
				if err != nil {
					fmt.Fprintf(os.Stdout, "error: %v\n", err)
				}
			})
		}
	}

	var destroyErr error
	loop.Do(func() {
		s.close()
		coord.Destroy()
		if cache != nil {
			destroyErr = cache.Destroy()
		}
	})
	if destroyErr != nil && !errors.Is(destroyErr, context.Canceled) {
		return destroyErr
	}
	return nil
}
