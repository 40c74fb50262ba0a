package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/cexll/eliza-go/pkg/character"
	"github.com/cexll/eliza-go/pkg/config"
	"github.com/cexll/eliza-go/pkg/server"
)

const shutdownTimeout = 5 * time.Second

func serveCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		addrFlag      = set.String("addr", "", "Listen address (overrides server.addr).")
		characterFlag = set.StringArray("character", nil, "Extra character file to load and start. Repeatable.")
		watchFlag     = set.Bool("watch", true, "Reload character files when they change.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: elizactl serve [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRoutes:")
		fmt.Fprintln(streams.err, "  GET  /agents                          List agents")
		fmt.Fprintln(streams.err, "  POST /agents/{id}/messages            Handle a message")
		fmt.Fprintln(streams.err, "  GET  /events                          Stream bus events via SSE")
		fmt.Fprintln(streams.err, "  GET  /health                          Health probe")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	addr := strings.TrimSpace(*addrFlag)
	if addr == "" {
		addr = cfg.Server.Addr
	}
	refs := append([]config.AgentRef(nil), cfg.Agents...)
	for _, path := range *characterFlag {
		refs = append(refs, config.AgentRef{Character: path})
	}

	a, err := newApp(ctx, cfg, streams.err)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.close(closeCtx); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("shutdown")
		}
	}()
	loaded, err := a.addAgents(ctx, refs)
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var watchers sync.WaitGroup
	defer func() {
		stopWatch()
		watchers.Wait()
	}()
	if *watchFlag {
		for _, agent := range loaded {
			watchers.Add(1)
			go func(agent loadedAgent) {
				defer watchers.Done()
				a.watchCharacter(watchCtx, agent)
			}(agent)
		}
	}

	srv, err := server.New(a.registry, server.Options{Logger: &a.logger})
	if err != nil {
		return err
	}
	defer srv.Close()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	if streams.out != nil {
		fmt.Fprintf(streams.out, "elizactl serve listening on http://%s\n", listener.Addr().String())
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// watchCharacter pushes edits of a character file into the running agent.
func (a *app) watchCharacter(ctx context.Context, agent loadedAgent) {
	log := a.logger.With().Str("character", agent.path).Logger()
	err := character.Watch(ctx, agent.path, func(c *character.Character) {
		rt, ok := a.registry.GetAgent(agent.id)
		if !ok {
			return
		}
		if err := rt.UpdateCharacter(c); err != nil {
			log.Warn().Err(err).Msg("apply character reload")
			return
		}
		log.Info().Str("agent", c.Name).Msg("character reloaded")
	}, character.WithErrorHandler(func(err error) {
		log.Warn().Err(err).Msg("character reload")
	}))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("character watch stopped")
	}
}
