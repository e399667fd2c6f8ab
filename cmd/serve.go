package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/auth"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/ledger"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/supervisor"
	"github.com/kozaktomas/facegallery/internal/web"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Gallery web server.
The server exposes the JSON API for galleries, cache rebuilds, recognition
and confirmations, keeps caches current in the background and, with
WATCH_GALLERY=true, rebuilds when files change under the gallery root.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().String("session-secret", "", "Secret for signing session cookies (overrides WEB_SESSION_SECRET)")
	serveCmd.Flags().Bool("watch", false, "Rebuild caches when gallery files change (overrides WATCH_GALLERY)")
}

// applyServeFlags lets explicitly set flags win over the loaded configuration.
func applyServeFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}
	if cmd.Flags().Changed("session-secret") {
		cfg.Web.SessionSecret = mustGetString(cmd, "session-secret")
	}
	if cmd.Flags().Changed("watch") {
		cfg.Gallery.Watch = mustGetBool(cmd, "watch")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warn().Err(err).Msg("closing resources")
		}
	}()
	logging.Info().Str("database", a.db.Name()).Str("cache", cfg.Cache.Backend).
		Str("gallery", cfg.Gallery.Root).Msg("storage ready")

	authSvc, err := auth.NewService(a.db)
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}
	engine, err := newEngine(cfg, a.emb)
	if err != nil {
		return err
	}

	scheduler := workspace.NewScheduler(a.manager, workspace.OnRebuilt(func(userID string, res facecache.Result, err error) {
		if err == nil && res.Failed > 0 {
			logging.Warn().Str("user", userID).Int("failed", res.Failed).Msg("some images could not be embedded, they are retried on the next rebuild")
		}
	}))
	a.manager.SetRebuildRequester(scheduler)
	server := web.NewServer(cfg, web.Deps{
		Auth:       authSvc,
		DB:         a.db,
		Workspaces: a.manager,
		Scheduler:  scheduler,
		Engine:     engine,
		Ledger:     ledger.New(a.db, a.manager, scheduler),
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddBackgroundService(scheduler)
	if cfg.Gallery.Watch {
		tree.AddBackgroundService(workspace.NewGalleryWatcher(cfg.Gallery.Root, scheduler, cfg.Gallery.WatchDebounce))
	}
	tree.AddAPIService(server)

	fmt.Printf("Starting Face Gallery on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree error")
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}
	fmt.Println("Shut down")
	return nil
}
