package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adwski/watchsync/backend/client"
	"github.com/adwski/watchsync/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errMissingArg     = errors.New("missing argument")
)

// command is one parsed line of peer input.
type command struct {
	name string
	num  float64
	text string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "play", "pause", "toggle", "k", "fwd", "back", "sync", "report", "status", "dump", "quit":
	case "seek":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("%w: seek <seconds>", errMissingArg)
		}
		n, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return command{}, fmt.Errorf("seek: %w", err)
		}
		cmd.num = n
	case "chat":
		cmd.text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if cmd.text == "" {
			return command{}, fmt.Errorf("%w: chat <text>", errMissingArg)
		}
	default:
		return command{}, fmt.Errorf("%w: %q", errUnknownCommand, fields[0])
	}
	return cmd, nil
}

type shell struct {
	reconciler *client.Reconciler
	probe      *client.Probe
	transport  *client.Transport
	roomID     string
	userID     string
	logger     *zerolog.Logger
}

// exec runs one input line and reports whether the peer should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		sh.logger.Warn().Err(err).Msg("bad command")
		return false
	}

	r := sh.reconciler
	switch cmd.name {
	case "":
	case "play":
		err = r.Play(ctx, client.OriginLocal)
	case "pause":
		err = r.Pause(ctx, client.OriginLocal)
	case "toggle", "k":
		err = r.TogglePlay(ctx, client.OriginLocal)
	case "seek":
		err = r.Seek(ctx, client.OriginLocal, cmd.num)
	case "fwd":
		err = r.Skip(ctx, client.OriginLocal, client.DefaultSkipStep)
	case "back":
		err = r.Skip(ctx, client.OriginLocal, -client.DefaultSkipStep)
	case "sync":
		err = r.RequestSync(ctx)
	case "report":
		err = r.ReportPosition(ctx)
	case "chat":
		err = sh.transport.Emit(ctx, model.EventChat, model.ChatRequest{
			RoomID: sh.roomID,
			Text:   cmd.text,
			UserID: sh.userID,
		})
	case "status":
		snap := r.Snapshot()
		sh.logger.Info().
			Bool("playing", snap.Playing).
			Float64("position", snap.Position).
			Float64("duration", snap.Duration).
			Dur("latency", sh.probe.Latency()).
			Msg("status")
	case "dump":
		fmt.Print(spew.Sdump(r.Snapshot()))
	case "quit":
		return true
	}
	if err != nil {
		sh.logger.Error().Err(err).Str("command", cmd.name).Msg("command failed")
	}
	return false
}

func parseEchoMode(s string) (client.EchoMode, error) {
	switch s {
	case "origin":
		return client.EchoByOrigin, nil
	case "single-shot":
		return client.EchoSingleShot, nil
	}
	return 0, fmt.Errorf("unknown echo mode %q", s)
}

func parsePausedSync(s string) (client.PausedSyncPolicy, error) {
	switch s {
	case "ignore":
		return client.PausedSyncIgnore, nil
	case "apply":
		return client.PausedSyncApply, nil
	}
	return 0, fmt.Errorf("unknown paused sync policy %q", s)
}
