package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/watchsync/backend/client"
	"github.com/adwski/watchsync/backend/model"
	"github.com/adwski/watchsync/backend/player"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)

	var (
		serverURL   = fs.StringP("server-url", "s", "ws://localhost:3642/ws", "sync server websocket url")
		roomID      = fs.StringP("room", "r", "", "room to join")
		userID      = fs.StringP("user", "u", "", "name shown in chat")
		fileName    = fs.StringP("file", "f", "", "local media file name announced to the room")
		duration    = fs.Float64P("duration", "d", 0, "media duration in seconds, 0 if unknown")
		tolerance   = fs.Float64("tolerance", client.DefaultTolerance, "seconds of drift tolerated before a forced seek")
		echoMode    = fs.String("echo-mode", "origin", "echo suppression: origin or single-shot")
		pausedSync  = fs.String("paused-sync", "ignore", "paused sync_state handling: ignore or apply")
		probeEvery  = fs.Duration("probe-interval", client.DefaultProbeInterval, "latency probe interval")
		attempts    = fs.Int("reconnect-attempts", client.DefaultReconnectAttempts, "dial attempts per outage")
		retryDelay  = fs.Duration("reconnect-delay", client.DefaultReconnectDelay, "delay between dial attempts")
		pingWait    = fs.Duration("ping-wait", client.DefaultPingWait, "silence after which the connection is redialed")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
		dumpOnStart = fs.Bool("dump", false, "dump reconciler state after connecting")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" {
		logger.Fatal().Msg("--room is required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	echo, err := parseEchoMode(*echoMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad --echo-mode")
	}
	syncPolicy, err := parsePausedSync(*pausedSync)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad --paused-sync")
	}

	vp := player.NewVirtual(nil)
	vp.Load(*duration)

	var (
		reconciler *client.Reconciler
		probe      *client.Probe
	)
	transport := client.NewTransport(client.TransportConfig{
		URL:      *serverURL,
		Logger:   &logger,
		Attempts: *attempts,
		Delay:    *retryDelay,
		PingWait: *pingWait,
		OnConnect: func(ctx context.Context) error {
			return rejoin(ctx, reconciler, *roomID, *fileName, *dumpOnStart, &logger)
		},
		Handler: func(ev model.Event) {
			if reconciler.HandleEvent(ev) || probe.HandleEvent(ev) {
				return
			}
			handleNotice(ev, *fileName, &logger)
		},
	})
	reconciler = client.NewReconciler(client.ReconcilerConfig{
		RoomID:     *roomID,
		Player:     vp,
		Emitter:    transport,
		Logger:     &logger,
		Tolerance:  *tolerance,
		EchoMode:   echo,
		PausedSync: syncPolicy,
	})
	reconciler.MetadataLoaded(*duration)
	// Position may fire this while the reconciler holds its lock
	vp.OnEnded(func() { go reconciler.Ended() })

	probe = client.NewProbe(client.ProbeConfig{
		Emitter:  transport,
		Logger:   &logger,
		Interval: *probeEvery,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := transport.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("transport stopped")
		}
		cancel()
	}()
	go func() {
		defer wg.Done()
		probe.Run(ctx)
	}()

	sh := &shell{
		reconciler: reconciler,
		probe:      probe,
		transport:  transport,
		roomID:     *roomID,
		userID:     *userID,
		logger:     &logger,
	}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if sh.exec(ctx, scanner.Text()) {
				break
			}
		}
		cancel()
	}()

	<-ctx.Done()
	wg.Wait()
}

// rejoin restores membership after every (re)connect. The server does not
// replay missed state, so the peer asks for it explicitly.
func rejoin(
	ctx context.Context,
	reconciler *client.Reconciler,
	roomID, fileName string,
	dump bool,
	logger *zerolog.Logger,
) error {
	start := time.Now()
	if err := reconciler.Join(ctx); err != nil {
		return err
	}
	if fileName != "" {
		if err := reconciler.FileLoaded(ctx, fileName); err != nil {
			return err
		}
	}
	if err := reconciler.RequestSync(ctx); err != nil {
		return err
	}
	logger.Info().Str("roomID", roomID).Dur("took", time.Since(start)).Msg("joined room")
	if dump {
		logger.Debug().Msg(spew.Sdump(reconciler.Snapshot()))
	}
	return nil
}

func handleNotice(ev model.Event, fileName string, logger *zerolog.Logger) {
	switch ev.Type {
	case model.EventPeerFileLoaded:
		var name string
		if err := ev.Decode(&name); err != nil {
			logger.Error().Err(err).Msg("bad peer_file_loaded payload")
			return
		}
		lvl := zerolog.InfoLevel
		if fileName != "" && name != fileName {
			// advisory only, files are never compared byte for byte
			lvl = zerolog.WarnLevel
		}
		logger.WithLevel(lvl).Str("file", name).Msg("peer loaded file")
	case model.EventChatMessage:
		var msg model.ChatMessage
		if err := ev.Decode(&msg); err != nil {
			logger.Error().Err(err).Msg("bad chat_message payload")
			return
		}
		logger.Info().
			Str("kind", msg.Type).
			Str("from", msg.UserID).
			Time("at", time.UnixMilli(msg.Timestamp)).
			Msg(msg.Text)
	case model.EventError:
		var reply model.ErrorReply
		if err := ev.Decode(&reply); err != nil {
			logger.Error().Err(err).Msg("bad error payload")
			return
		}
		logger.Warn().Str("event", reply.Event).Msg(reply.Message)
	default:
		logger.Debug().Str("type", ev.Type).Msg("unhandled event")
	}
}
